package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/transport"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveDialAttempt()
	m.ObserveDialAttempt()
	m.ObserveReconnectChain()
	m.ObserveFrameReceived("CONNECTED")
	m.ObserveFrameSent("GET_ROOMS")
	m.ObserveDroppedSend()
	m.ObserveStaleFrame()

	expected := `
# HELP chat_client_dial_attempts_total Connection attempts made by the reconnection supervisor.
# TYPE chat_client_dial_attempts_total counter
chat_client_dial_attempts_total 2
# HELP chat_client_frames_received_total Inbound frames by kind.
# TYPE chat_client_frames_received_total counter
chat_client_frames_received_total{kind="CONNECTED"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"chat_client_dial_attempts_total",
		"chat_client_frames_received_total",
	)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ObserveDialAttempt()
		m.ObserveReconnectChain()
		m.ObserveFrameReceived("x")
		m.ObserveFrameSent("x")
		m.ObserveDroppedSend()
		m.ObserveStaleFrame()
	})
	o := m.Observer()
	assert.Nil(t, o.Opened)
	assert.Nil(t, o.Closed)
}

func TestMetrics_ObserverTracksConnectionState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	o := m.Observer()

	read := func() string {
		srv := httptest.NewServer(metrics.Handler(reg))
		defer srv.Close()
		resp, err := srv.Client().Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	o.Opened(nil)
	assert.Contains(t, read(), "chat_client_connection_open 1")

	o.Closed(nil, transport.CloseEvent{Code: transport.StatusNormalClosure})
	assert.Contains(t, read(), "chat_client_connection_open 0")
}
