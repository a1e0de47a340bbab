// Package transport owns the socket connections of the client, at most one
// live connection per endpoint URL.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Close codes used by the client. Any code other than StatusNormalClosure
// counts as an abnormal closure.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
)

var (
	// ErrNotOpen is returned when sending on a connection that is not OPEN.
	ErrNotOpen = errors.New("connection is not open")
	// ErrClosed is returned when a connection closed before or while it was
	// used.
	ErrClosed = errors.New("connection closed")
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Socket is an established duplex connection carrying whole frames.
// Implementations must allow one reader concurrently with any number of
// writers.
type Socket interface {
	// Read returns the next data frame. A close frame from the peer is
	// reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Ping sends a ping and waits for the pong when the implementation can.
	Ping(ctx context.Context) error

	// Close sends a close frame with the given code and releases the socket.
	Close(code int, reason string) error
}

// Dialer establishes sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Socket, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Socket, error) {
	return f(ctx, url)
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: status = %d reason = %q", e.Code, e.Reason)
}

// CloseEvent describes how a connection ended.
type CloseEvent struct {
	Code   int
	Reason string
	// Err is the transport error behind an abnormal closure, if any.
	Err error
}

// Normal reports whether the closure was intentional.
func (e CloseEvent) Normal() bool {
	return e.Code == StatusNormalClosure
}

// Observer receives lifecycle notifications of a Conn. Nil funcs are skipped.
// Callbacks run on the connection's own goroutines and must not block.
type Observer struct {
	Opened  func(c *Conn)
	Closed  func(c *Conn, ev CloseEvent)
	Errored func(c *Conn, err error)
}

// Conn is one socket connection to an endpoint URL.
type Conn struct {
	url       string
	logger    *zap.Logger
	keepalive time.Duration

	mu         sync.Mutex
	state      State
	sock       Socket
	observers  []Observer
	localClose *CloseEvent
	closeEv    CloseEvent

	opened chan struct{}
	done   chan struct{}
	inbox  chan []byte
	stop   context.CancelFunc
}

func newConn(url string, logger *zap.Logger, keepalive time.Duration, inboxSize int) *Conn {
	return &Conn{
		url:       url,
		logger:    logger.With(zap.String("url", url)),
		keepalive: keepalive,
		state:     StateConnecting,
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
		inbox:     make(chan []byte, inboxSize),
	}
}

// URL returns the endpoint URL.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection is CLOSED.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseEvent returns how the connection ended. ok is false while it is not
// yet CLOSED.
func (c *Conn) CloseEvent() (ev CloseEvent, ok bool) {
	select {
	case <-c.done:
	default:
		return CloseEvent{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeEv, true
}

// Send writes one frame. It fails with ErrNotOpen unless the connection is
// OPEN.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	state, sock := c.state, c.sock
	c.mu.Unlock()

	if state != StateOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, state)
	}
	if err := sock.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Receive returns the next inbound frame. Frames read before the
// connection closed are still returned; after that Receive fails with
// ErrClosed.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close starts a closing handshake with the given code. Closing a
// connection that is already closing or closed is a no-op.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, StateConnecting)
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.localClose = &CloseEvent{Code: code, Reason: reason}
	sock := c.sock
	c.mu.Unlock()

	c.logger.Debug("closing_connection", zap.Int("code", code), zap.String("reason", reason))
	return sock.Close(code, reason)
}

// observe registers o. It must be called before open.
func (c *Conn) observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// waitOpen blocks until the connection is OPEN or has closed.
func (c *Conn) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		ev, _ := c.CloseEvent()
		return fmt.Errorf("%w before opening: status = %d", ErrClosed, ev.Code)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open dials the endpoint and starts the read pump. base bounds the
// lifetime of the connection's goroutines.
func (c *Conn) open(base context.Context, dialer Dialer) error {
	c.logger.Info("opening_connection")

	sock, err := dialer.Dial(base, c.url)
	if err != nil {
		err = fmt.Errorf("failed to connect to server: %w", err)
		c.fireErrored(err)
		close(c.inbox)
		c.finish(CloseEvent{Code: StatusAbnormalClosure, Err: err})
		return err
	}

	ctx, stop := context.WithCancel(base)

	c.mu.Lock()
	c.sock = sock
	c.state = StateOpen
	c.stop = stop
	c.mu.Unlock()
	close(c.opened)

	c.logger.Info("connection_opened")
	for _, o := range c.snapshotObservers() {
		if o.Opened != nil {
			o.Opened(c)
		}
	}

	go c.readPump(ctx)
	if c.keepalive > 0 {
		go c.keepaliveLoop(ctx)
	}
	return nil
}

func (c *Conn) readPump(ctx context.Context) {
	ev := c.pump(ctx)
	close(c.inbox)
	c.finish(ev)
}

func (c *Conn) pump(ctx context.Context) CloseEvent {
	for {
		data, err := c.sock.Read(ctx)
		if err != nil {
			return c.closeEventFor(err)
		}
		select {
		case c.inbox <- data:
		case <-ctx.Done():
			c.sock.Close(StatusGoingAway, "")
			return c.closeEventFor(ctx.Err())
		}
	}
}

func (c *Conn) closeEventFor(err error) CloseEvent {
	c.mu.Lock()
	local := c.localClose
	c.mu.Unlock()
	if local != nil {
		return *local
	}

	var ce *CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Reason: ce.Reason}
	}
	c.fireErrored(err)
	return CloseEvent{Code: StatusAbnormalClosure, Err: err}
}

func (c *Conn) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.keepalive)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("keepalive_failed", zap.Error(err))
				c.mu.Lock()
				if c.localClose == nil {
					c.localClose = &CloseEvent{Code: StatusAbnormalClosure, Reason: "keepalive timeout", Err: err}
				}
				c.state = StateClosing
				c.mu.Unlock()
				c.sock.Close(StatusGoingAway, "keepalive timeout")
				return
			}
		}
	}
}

func (c *Conn) finish(ev CloseEvent) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeEv = ev
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.logger.Info("connection_closed", zap.Int("code", ev.Code), zap.String("reason", ev.Reason), zap.Error(ev.Err))
	close(c.done)

	for _, o := range c.snapshotObservers() {
		if o.Closed != nil {
			o.Closed(c, ev)
		}
	}
}

func (c *Conn) fireErrored(err error) {
	c.logger.Warn("connection_error", zap.Error(err))
	for _, o := range c.snapshotObservers() {
		if o.Errored != nil {
			o.Errored(c, err)
		}
	}
}

func (c *Conn) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer(nil), c.observers...)
}
