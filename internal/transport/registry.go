package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultInboxSize = 64

// Registry keeps at most one live Conn per endpoint URL.
type Registry struct {
	dialer    Dialer
	logger    *zap.Logger
	keepalive time.Duration
	inboxSize int

	base   context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu        sync.Mutex
	conns     map[string]*Conn
	observers map[int]Observer
	nextObs   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithObserver registers an observer that is attached to every Conn the
// registry creates.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observers[r.nextObs] = o
		r.nextObs++
	}
}

// WithKeepalive enables pinging open connections every interval.
func WithKeepalive(interval time.Duration) Option {
	return func(r *Registry) {
		r.keepalive = interval
	}
}

// WithInboxSize sets how many inbound frames a Conn buffers before its read
// pump blocks.
func WithInboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.inboxSize = n
		}
	}
}

// NewRegistry creates a Registry that opens sockets with dialer.
func NewRegistry(dialer Dialer, opts ...Option) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		dialer:    dialer,
		logger:    zap.NewNop(),
		inboxSize: defaultInboxSize,
		base:      base,
		cancel:    cancel,
		conns:     make(map[string]*Conn),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe attaches o to every Conn created from now on. The returned func
// detaches it.
func (r *Registry) Observe(o Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = o

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// Connect returns the OPEN connection for url, dialing when none is live.
// Concurrent calls for the same url share one dial. A connection that is
// still connecting is awaited.
func (r *Registry) Connect(ctx context.Context, url string) (*Conn, error) {
	if c := r.live(url); c != nil {
		if err := c.waitOpen(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	ch := r.group.DoChan(url, func() (any, error) {
		if c := r.live(url); c != nil {
			return c, c.waitOpen(r.base)
		}
		c := r.replace(url)
		if err := c.open(r.base, r.dialer); err != nil {
			return nil, err
		}
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the registered connection for url, whatever its state.
func (r *Registry) Get(url string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[url]
	return c, ok
}

// Close closes the connection for url with code. Closing an unknown or
// already closed endpoint is a no-op.
func (r *Registry) Close(url string, code int, reason string) error {
	c, ok := r.Get(url)
	if !ok {
		return nil
	}
	err := c.Close(code, reason)
	if errors.Is(err, ErrNotOpen) {
		return nil
	}
	return err
}

// CloseAll closes every connection normally and stops all pumps. The
// registry must not be used afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(StatusNormalClosure, "client shutdown"); err != nil && !errors.Is(err, ErrNotOpen) {
			r.logger.Warn("close_failed", zap.String("url", c.URL()), zap.Error(err))
		}
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			r.logger.Warn("close_timeout", zap.String("url", c.URL()))
		}
	}
	r.cancel()
}

func (r *Registry) live(url string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[url]
	if !ok || c.State() == StateClosed {
		return nil
	}
	return c
}

// replace installs a fresh CONNECTING conn for url with the current
// observers attached.
func (r *Registry) replace(url string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := newConn(url, r.logger, r.keepalive, r.inboxSize)
	for _, o := range r.observers {
		c.observe(o)
	}
	r.conns[url] = c
	return c
}
