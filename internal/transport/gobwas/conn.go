// Package gobwas provides a WebSocket dialer backed by github.com/gobwas/ws,
// an alternative to the default nhooyr transport.
package gobwas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/socket-chat-client/internal/transport"
)

// closeGrace is how long Close waits for the server's close frame before
// dropping the TCP connection.
const closeGrace = time.Second

// Conn adapts a gobwas client connection to transport.Socket.
type Conn struct {
	conn net.Conn
	r    io.Reader

	// wmu is held for the whole of every outgoing frame. ws.WriteFrame
	// writes the header and the payload separately.
	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ transport.Socket = (*Conn)(nil)

// NewConn wraps an upgraded client connection. br holds bytes the server
// sent right after the handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &Conn{conn: conn, r: r}
}

// Read implements transport.Socket.
// Pings are answered while reading; a close frame is returned as
// *transport.CloseError.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.readData()
	if err != nil {
		c.conn.Close()
		var ce wsutil.ClosedError
		if errors.As(err, &ce) {
			return nil, &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// readData reads the next data message, replying to control frames under
// the write lock.
func (c *Conn) readData() ([]byte, error) {
	rd := wsutil.Reader{
		Source:         c.r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
}

// Write implements transport.Socket.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.write(ctx, ws.OpText, data)
}

// Ping implements transport.Socket.
// The pong is consumed by Read, so Ping only reports write failures.
func (c *Conn) Ping(ctx context.Context) error {
	return c.write(ctx, ws.OpPing, nil)
}

// Close implements transport.Socket.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		c.wmu.Lock()
		err = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.wmu.Unlock()
		time.AfterFunc(closeGrace, func() {
			c.conn.Close()
		})
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) write(ctx context.Context, op ws.OpCode, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(c.conn, op, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", opName(op), err)
	}
	return nil
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpText:
		return "text"
	case ws.OpPing:
		return "ping"
	case ws.OpClose:
		return "close"
	default:
		return fmt.Sprintf("op %d", op)
	}
}

// Dialer opens gobwas WebSocket connections.
type Dialer struct {
	// Timeout bounds the TCP connect and the handshake when positive.
	Timeout time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(conn, br), nil
}
