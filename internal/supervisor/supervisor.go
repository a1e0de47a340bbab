// Package supervisor keeps one logical chat connection alive, retrying
// abnormal closures under an explicit backoff policy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/transport"
)

// State is the supervisor's view of the logical connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Connector opens the connection for a URL. *transport.Registry satisfies
// it.
type Connector interface {
	Connect(ctx context.Context, url string) (*transport.Conn, error)
}

// Supervisor drives the IDLE -> CONNECTING -> CONNECTED state machine for
// one URL. At most one attempt chain runs at a time.
type Supervisor struct {
	url         string
	connector   Connector
	policy      Policy
	logger      *zap.Logger
	metrics     *metrics.Metrics
	onConnected func(*transport.Conn)

	connecting atomic.Bool
	state      atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy sets the reconnection policy.
func WithPolicy(p Policy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetrics records attempts and chains.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithOnConnected registers fn to receive every newly opened connection.
// It runs before the latch is released.
func WithOnConnected(fn func(*transport.Conn)) Option {
	return func(s *Supervisor) {
		s.onConnected = fn
	}
}

// New creates a Supervisor for url.
func New(url string, connector Connector, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		url:       url,
		connector: connector,
		policy:    DefaultPolicy(),
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("url", url))
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connect runs one attempt chain until a connection opens, the policy gives
// up, or ctx ends. A call made while another chain is running returns nil
// immediately.
func (s *Supervisor) Connect(ctx context.Context) error {
	conn, err := s.runChain(ctx)
	if err != nil || conn == nil {
		return err
	}

	// A close that arrived while the latch was held was ignored.
	if ev, closed := conn.CloseEvent(); closed {
		s.HandleClose(ev)
	}
	return nil
}

func (s *Supervisor) runChain(ctx context.Context) (*transport.Conn, error) {
	if !s.connecting.CompareAndSwap(false, true) {
		s.logger.Debug("connect_already_in_flight")
		return nil, nil
	}
	defer s.connecting.Store(false)

	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("supervisor stopped: %w", s.ctx.Err())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.setState(StateConnecting)
	s.metrics.ObserveReconnectChain()

	attempt := 0
	opts := append(s.policy.retryOptions(), backoff.WithNotify(func(err error, next time.Duration) {
		s.logger.Warn("connect_attempt_failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}))

	conn, err := backoff.Retry(ctx, func() (*transport.Conn, error) {
		attempt++
		s.metrics.ObserveDialAttempt()
		return s.connector.Connect(ctx, s.url)
	}, opts...)
	if err != nil {
		s.setState(StateIdle)
		s.logger.Error("connect_gave_up", zap.Int("attempts", attempt), zap.Error(err))
		return nil, fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}

	s.setState(StateConnected)
	s.logger.Info("connected", zap.Int("attempts", attempt))
	if s.onConnected != nil {
		s.onConnected(conn)
	}
	return conn, nil
}

// HandleClose reacts to the closure of the current connection. A normal
// closure returns to IDLE; anything else starts a new chain in the
// background.
func (s *Supervisor) HandleClose(ev transport.CloseEvent) {
	if ev.Normal() {
		s.logger.Info("closed_normally")
		s.setState(StateIdle)
		return
	}
	if s.ctx.Err() != nil {
		s.setState(StateIdle)
		return
	}

	s.logger.Warn("closed_abnormally", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
	if s.connecting.Load() {
		return
	}
	s.setState(StateConnecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Connect(s.ctx); err != nil {
			s.logger.Error("reconnect_failed", zap.Error(err))
		}
	}()
}

// HandleError logs a transport error. Retrying is left to the close that
// follows.
func (s *Supervisor) HandleError(err error) {
	s.logger.Warn("transport_error", zap.Error(err))
}

// Stop cancels any running chain and disables further retries.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.setState(StateIdle)
}

func (s *Supervisor) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("state_changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}
