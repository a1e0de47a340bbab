package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/socket-chat-client/internal/transport"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialer_Read(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		err = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":1}`))
		if err != nil {
			t.Errorf("failed to write: %v", err)
		}
		c.Read(context.Background())
	}))
	defer server.Close()

	d := &ws.Dialer{}
	conn, err := d.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(transport.StatusNormalClosure, "")

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":1}` {
		t.Errorf("Read() = %q, want %q", string(data), `{"type":1}`)
	}
}

func TestDialer_WriteSendsText(t *testing.T) {
	type frame struct {
		typ  websocket.MessageType
		data []byte
	}
	received := make(chan frame, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		typ, data, err := c.Read(context.Background())
		if err != nil {
			t.Errorf("failed to read: %v", err)
			return
		}
		received <- frame{typ, data}
	}))
	defer server.Close()

	d := &ws.Dialer{}
	conn, err := d.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(transport.StatusNormalClosure, "")

	if err := conn.Write(context.Background(), []byte(`{"type":0}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := <-received
	if got.typ != websocket.MessageText {
		t.Errorf("message type = %v, want %v", got.typ, websocket.MessageText)
	}
	if string(got.data) != `{"type":0}` {
		t.Errorf("server received %q, want %q", got.data, `{"type":0}`)
	}
}

func TestDialer_ServerCloseIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusPolicyViolation, "go away")
	}))
	defer server.Close()

	d := &ws.Dialer{}
	conn, err := d.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = conn.Read(ctx)
	var ce *transport.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("Read() error = %v, want *transport.CloseError", err)
	}
	if ce.Code != int(websocket.StatusPolicyViolation) {
		t.Errorf("Code = %d, want %d", ce.Code, websocket.StatusPolicyViolation)
	}
	if ce.Reason != "go away" {
		t.Errorf("Reason = %q, want %q", ce.Reason, "go away")
	}
}

func TestDialer_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		c.Read(context.Background())
	}))
	defer server.Close()

	d := &ws.Dialer{}
	conn, err := d.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(transport.StatusNormalClosure, "")

	// nhooyr only handles pongs while a reader is active.
	go conn.Read(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestDialer_RefusedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := &ws.Dialer{}
	if _, err := d.Dial(context.Background(), wsURL(server)); err == nil {
		t.Error("expected error for refused handshake, got nil")
	}
}

func TestDialer_WithRegistry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		for {
			typ, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			if err := c.Write(context.Background(), typ, data); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	reg := transport.NewRegistry(&ws.Dialer{})
	defer reg.CloseAll()

	conn, err := reg.Connect(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := conn.Send(context.Background(), []byte("echo")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(data) != "echo" {
		t.Errorf("Receive() = %q, want %q", data, "echo")
	}

	if err := conn.Close(transport.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("timeout waiting for close")
	}
	ev, _ := conn.CloseEvent()
	if !ev.Normal() {
		t.Errorf("CloseEvent = %+v, want normal closure", ev)
	}
}
