// Package ws provides the WebSocket dialer backed by nhooyr.io/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/omochice/socket-chat-client/internal/transport"
)

// DefaultReadLimit bounds the size of one inbound frame. Room history pages
// carry full message lists and exceed nhooyr's 32KiB default.
const DefaultReadLimit = 1 << 20

// Conn adapts a websocket.Conn to transport.Socket.
type Conn struct {
	conn *websocket.Conn
}

var _ transport.Socket = (*Conn)(nil)

// NewConn wraps a websocket.Conn.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read implements transport.Socket.
// A close frame from the server is returned as *transport.CloseError.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

// Write implements transport.Socket.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Ping implements transport.Socket.
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close implements transport.Socket.
func (c *Conn) Close(code int, reason string) error {
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

// Dialer opens nhooyr WebSocket connections.
type Dialer struct {
	// Header is sent with the opening handshake.
	Header http.Header
	// ReadLimit overrides DefaultReadLimit when positive.
	ReadLimit int64
	// HTTPClient is used for the handshake when set.
	HTTPClient *http.Client
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return NewConn(conn), nil
}
