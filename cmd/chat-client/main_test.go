package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/transport"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("terminal gone")
}

func newIdleSession(t *testing.T) *chat.Session {
	t.Helper()
	reg := transport.NewRegistry(&ws.Dialer{})
	sess := chat.New("ws://127.0.0.1:1/ws/chat", reg)
	t.Cleanup(func() {
		sess.Close()
		reg.CloseAll()
	})
	return sess
}

func TestReadCommands_LogsInputErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	readCommands(context.Background(), newIdleSession(t), brokenReader{}, zap.New(core))

	entries := logs.FilterMessage("input_read_failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "terminal gone", entries[0].ContextMap()["error"])
}

func TestReadCommands_StopsOnQuit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	readCommands(context.Background(), newIdleSession(t), strings.NewReader("/quit\n/rooms\n"), zap.New(core))

	assert.Zero(t, logs.Len())
}
