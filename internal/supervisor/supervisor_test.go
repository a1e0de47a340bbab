package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/supervisor"
	"github.com/omochice/socket-chat-client/internal/transport"
)

const testURL = "ws://chat.test/ws/chat"

// idleSocket stays open until closed locally or dropped.
type idleSocket struct {
	gone chan struct{}
	once sync.Once
}

func newIdleSocket() *idleSocket {
	return &idleSocket{gone: make(chan struct{})}
}

func (s *idleSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.gone:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *idleSocket) Write(ctx context.Context, data []byte) error { return nil }
func (s *idleSocket) Ping(ctx context.Context) error               { return nil }

func (s *idleSocket) Close(code int, reason string) error {
	s.drop()
	return nil
}

func (s *idleSocket) drop() {
	s.once.Do(func() { close(s.gone) })
}

// scriptedDialer fails the first failures dials, then succeeds. It records
// the peak number of dials in flight.
type scriptedDialer struct {
	failures int32
	delay    time.Duration

	dials    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu      sync.Mutex
	sockets []*idleSocket
}

func (d *scriptedDialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	n := d.dials.Add(1)
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		peak := d.peak.Load()
		if cur <= peak || d.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failures {
		return nil, errors.New("connection refused")
	}
	s := newIdleSocket()
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *scriptedDialer) last() *idleSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

func immediate() supervisor.Policy {
	return supervisor.Policy{Strategy: supervisor.StrategyImmediate}
}

// harness wires a supervisor to a registry the way chat.Session does: the
// close of the current connection is fed back into HandleClose.
type harness struct {
	reg       *transport.Registry
	sup       *supervisor.Supervisor
	connected chan *transport.Conn
}

func newHarness(t *testing.T, dialer transport.Dialer, policy supervisor.Policy) *harness {
	t.Helper()
	h := &harness{connected: make(chan *transport.Conn, 16)}
	h.reg = transport.NewRegistry(dialer)
	h.sup = supervisor.New(testURL, h.reg,
		supervisor.WithPolicy(policy),
		supervisor.WithLogger(zap.NewNop()),
		supervisor.WithOnConnected(func(c *transport.Conn) {
			go func() {
				<-c.Done()
				ev, _ := c.CloseEvent()
				h.sup.HandleClose(ev)
			}()
			h.connected <- c
		}),
	)
	t.Cleanup(func() {
		h.sup.Stop()
		h.reg.CloseAll()
	})
	return h
}

func (h *harness) waitConnected(t *testing.T) *transport.Conn {
	t.Helper()
	select {
	case c := <-h.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func TestSupervisor_ConnectReachesConnected(t *testing.T) {
	dialer := &scriptedDialer{}
	h := newHarness(t, dialer, immediate())

	require.Equal(t, supervisor.StateIdle, h.sup.State())
	require.NoError(t, h.sup.Connect(context.Background()))

	c := h.waitConnected(t)
	assert.Equal(t, transport.StateOpen, c.State())
	assert.Equal(t, supervisor.StateConnected, h.sup.State())
}

func TestSupervisor_RetriesUntilOpen(t *testing.T) {
	dialer := &scriptedDialer{failures: 3}
	h := newHarness(t, dialer, immediate())

	require.NoError(t, h.sup.Connect(context.Background()))
	h.waitConnected(t)
	assert.Equal(t, int32(4), dialer.dials.Load())
}

func TestSupervisor_MaxAttemptsStopsChain(t *testing.T) {
	dialer := &scriptedDialer{failures: 100}
	policy := immediate()
	policy.MaxAttempts = 3
	h := newHarness(t, dialer, policy)

	err := h.sup.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), dialer.dials.Load())
	assert.Equal(t, supervisor.StateIdle, h.sup.State())
}

func TestSupervisor_OverlappingTriggersShareOneChain(t *testing.T) {
	dialer := &scriptedDialer{failures: 2, delay: 20 * time.Millisecond}
	h := newHarness(t, dialer, immediate())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Connect(context.Background())
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.HandleClose(transport.CloseEvent{Code: transport.StatusAbnormalClosure})
		}()
	}
	wg.Wait()
	h.waitConnected(t)

	assert.Equal(t, int32(1), dialer.peak.Load(), "more than one dial was in flight")
	assert.Equal(t, int32(3), dialer.dials.Load())
}

func TestSupervisor_AbnormalCloseReconnects(t *testing.T) {
	dialer := &scriptedDialer{}
	h := newHarness(t, dialer, immediate())

	require.NoError(t, h.sup.Connect(context.Background()))
	first := h.waitConnected(t)

	dialer.last().drop()

	second := h.waitConnected(t)
	assert.NotSame(t, first, second)
	assert.Equal(t, transport.StateOpen, second.State())
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestSupervisor_NormalCloseDoesNotRetry(t *testing.T) {
	dialer := &scriptedDialer{}
	h := newHarness(t, dialer, immediate())

	require.NoError(t, h.sup.Connect(context.Background()))
	c := h.waitConnected(t)

	require.NoError(t, h.reg.Close(testURL, transport.StatusNormalClosure, ""))
	<-c.Done()

	assert.Eventually(t, func() bool {
		return h.sup.State() == supervisor.StateIdle
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestSupervisor_StopCancelsChain(t *testing.T) {
	dialer := &scriptedDialer{failures: 1 << 20}
	policy := supervisor.Policy{
		Strategy:        supervisor.StrategyConstant,
		InitialInterval: 10 * time.Millisecond,
	}
	h := newHarness(t, dialer, policy)

	errc := make(chan error, 1)
	go func() {
		errc <- h.sup.Connect(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	h.sup.Stop()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Stop")
	}

	h.sup.HandleClose(transport.CloseEvent{Code: transport.StatusAbnormalClosure})
	dials := dialer.dials.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, dialer.dials.Load())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  supervisor.Policy
		wantErr bool
	}{
		{"default", supervisor.DefaultPolicy(), false},
		{"immediate", supervisor.Policy{Strategy: supervisor.StrategyImmediate}, false},
		{"constant without interval", supervisor.Policy{Strategy: supervisor.StrategyConstant}, true},
		{"exponential shrinking", supervisor.Policy{Strategy: supervisor.StrategyExponential, InitialInterval: time.Second, Multiplier: 0.5}, true},
		{"jitter out of range", supervisor.Policy{Strategy: supervisor.StrategyExponential, InitialInterval: time.Second, Multiplier: 2, Jitter: 1.5}, true},
		{"unknown", supervisor.Policy{Strategy: "linear"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
