package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/socket-chat-client/internal/chattest"
	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/supervisor"
	"github.com/omochice/socket-chat-client/internal/transport"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

func TestSession_FramesFromReplacedConnectionAreDropped(t *testing.T) {
	srv := chattest.New(chattest.WithRooms(protocol.Room{ID: "r1", Name: "general"}))
	t.Cleanup(srv.Close)

	promReg := prometheus.NewRegistry()
	reg := transport.NewRegistry(&ws.Dialer{})
	s := New(srv.URL(), reg,
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(metrics.New(promReg)),
		WithPolicy(supervisor.Policy{Strategy: supervisor.StrategyImmediate}),
	)
	t.Cleanup(func() {
		s.Close()
		reg.CloseAll()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.ConnectChat(ctx))
	require.Eventually(t, func() bool {
		snap := s.store.Snapshot()
		return snap.Me.ID != "" && len(snap.Rooms) == 1
	}, 3*time.Second, 10*time.Millisecond)
	old := s.conn()
	firstID := s.store.Snapshot().Me.ID

	srv.DropAll()
	require.Eventually(t, func() bool {
		me := s.store.Snapshot().Me.ID
		return s.conn() != old && me != "" && me != firstID
	}, 3*time.Second, 10*time.Millisecond)
	current := s.store.Snapshot().Me

	stale, err := protocol.EncodeFrame(protocol.KindConnected, protocol.User{ID: "ghost"}, "")
	require.NoError(t, err)
	s.inbox <- inbound{conn: old, data: stale}

	expected := `
# HELP chat_client_stale_frames_total Inbound frames discarded because they came from a replaced connection.
# TYPE chat_client_stale_frames_total counter
chat_client_stale_frames_total 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(promReg, strings.NewReader(expected), "chat_client_stale_frames_total") == nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, current, s.store.Snapshot().Me)
}
