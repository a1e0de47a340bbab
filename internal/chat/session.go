package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/state"
	"github.com/omochice/socket-chat-client/internal/supervisor"
	"github.com/omochice/socket-chat-client/internal/transport"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// inbound is a frame tagged with the connection it was read from.
type inbound struct {
	conn *transport.Conn
	data []byte
}

// Session is one chat session against a server URL. It owns the state
// store, keeps the connection alive through a supervisor and serialises
// all inbound handling on a single loop goroutine.
type Session struct {
	url          string
	registry     *transport.Registry
	store        *state.Store
	router       *Router
	sup          *supervisor.Supervisor
	logger       *zap.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	mu      sync.RWMutex
	current *transport.Conn

	inbox    chan inbound
	detach   func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once
}

var _ Outbound = (*Session)(nil)

// New creates a Session for url. Connections are obtained from registry,
// which the caller keeps ownership of.
func New(url string, registry *transport.Registry, opts ...Option) *Session {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		url:          url,
		registry:     registry,
		store:        state.New(),
		logger:       o.logger.With(zap.String("url", url)),
		metrics:      o.metrics,
		writeTimeout: o.writeTimeout,
		inbox:        make(chan inbound),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.router = NewRouter(s.store, s, opts...)
	s.sup = supervisor.New(url, registry,
		supervisor.WithPolicy(o.policy),
		supervisor.WithLogger(o.logger),
		supervisor.WithMetrics(o.metrics),
		supervisor.WithOnConnected(s.attach),
	)
	s.detach = registry.Observe(transport.Observer{
		Errored: func(c *transport.Conn, err error) {
			if c.URL() == s.url {
				s.sup.HandleError(err)
			}
		},
	})

	s.wg.Add(1)
	go s.loop()
	return s
}

// Store returns read access to the session state.
func (s *Session) Store() state.Reader {
	return s.store
}

// State returns the connection state as seen by the supervisor.
func (s *Session) State() supervisor.State {
	return s.sup.State()
}

// ConnectChat connects to the server, retrying under the session's policy.
// A call made while a connection attempt is running returns nil at once.
func (s *Session) ConnectChat(ctx context.Context) error {
	return s.sup.Connect(ctx)
}

// Disconnect closes the connection normally. The supervisor does not
// reconnect after it.
func (s *Session) Disconnect() {
	if err := s.registry.Close(s.url, transport.StatusNormalClosure, "client disconnect"); err != nil {
		s.logger.Warn("disconnect_failed", zap.Error(err))
	}
}

// Close stops reconnecting, closes the connection and releases the store's
// subscribers. The registry itself is left to its owner.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		s.sup.Stop()
		s.detach()
		if err := s.registry.Close(s.url, transport.StatusNormalClosure, "session closed"); err != nil {
			s.logger.Debug("close_connection_failed", zap.Error(err))
		}
		s.cancel()
		s.wg.Wait()
		s.store.Close()
	})
}

// ChangeUsername asks the server to rename the local user.
func (s *Session) ChangeUsername(username string) bool {
	if username == "" {
		return false
	}
	return s.send(protocol.ChangeUsername(username))
}

// GetRooms asks the server for the room directory.
func (s *Session) GetRooms() bool {
	return s.send(protocol.GetRooms())
}

// JoinChat asks the server to enter roomID. The current room only changes
// once the server confirms.
func (s *Session) JoinChat(roomID string) bool {
	if roomID == "" {
		return false
	}
	return s.send(protocol.JoinChat(roomID))
}

// LeftChat asks the server to leave roomID and clears the room's messages
// and occupants right away. The clear is undone if the request cannot be
// sent or the server answers it with an error.
func (s *Session) LeftChat(roomID string) bool {
	if roomID == "" || !s.open() {
		return false
	}
	s.store.Apply(func(tx *state.Tx) {
		tx.BeginLeave()
	})
	if !s.send(protocol.LeftChat(roomID)) {
		s.store.Apply(func(tx *state.Tx) {
			tx.Rollback(state.PendingLeave)
		})
		return false
	}
	return true
}

// SendMessage posts text to roomID and clears the draft. The draft is
// restored if the request cannot be sent or the server answers it with an
// error.
func (s *Session) SendMessage(text, roomID string) bool {
	if text == "" || roomID == "" || !s.open() {
		return false
	}
	s.store.Apply(func(tx *state.Tx) {
		tx.BeginDraftClear()
	})
	if !s.send(protocol.SendMessage(text, roomID)) {
		s.store.Apply(func(tx *state.Tx) {
			tx.Rollback(state.PendingDraft)
		})
		return false
	}
	return true
}

// GetOldMessages asks for the page of history preceding oldestMsgID.
func (s *Session) GetOldMessages(roomID, oldestMsgID string) bool {
	if roomID == "" || oldestMsgID == "" {
		return false
	}
	return s.send(protocol.GetOldMessages(roomID, oldestMsgID))
}

// LoadOlderMessages requests the page preceding the oldest message of the
// current room. It returns false outside a room, when history is exhausted
// or when nothing is loaded yet.
func (s *Session) LoadOlderMessages() bool {
	snap := s.store.Snapshot()
	if !snap.InRoom() || snap.CurrentRoom.DoneLoading {
		return false
	}
	return s.GetOldMessages(snap.CurrentRoom.ID, snap.OldestMessageID())
}

// SetMessageInput replaces the draft text.
func (s *Session) SetMessageInput(text string) {
	s.store.Apply(func(tx *state.Tx) {
		tx.SetMessageInput(text)
	})
}

func (s *Session) conn() *transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Session) open() bool {
	c := s.conn()
	return c != nil && c.State() == transport.StateOpen
}

// send writes req on the current connection. Failures are logged and the
// request is dropped.
func (s *Session) send(req protocol.Request) bool {
	kind := req.Type.String()
	c := s.conn()
	if c == nil || c.State() != transport.StateOpen {
		s.logger.Debug("send_dropped", zap.String("kind", kind), zap.String("reason", "not open"))
		s.metrics.ObserveDroppedSend()
		return false
	}

	data, err := req.Encode()
	if err != nil {
		s.logger.Error("request_encode_failed", zap.String("kind", kind), zap.Error(err))
		return false
	}

	// Recorded before writing so the answer cannot arrive first.
	s.store.Expect(req.Type)

	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := c.Send(ctx, data); err != nil {
		s.store.Unexpect(req.Type)
		s.logger.Warn("send_failed", zap.String("kind", kind), zap.Error(err))
		s.metrics.ObserveDroppedSend()
		return false
	}
	s.metrics.ObserveFrameSent(kind)
	return true
}

// attach makes c the current connection and starts reading from it. The
// supervisor hands over the live connection again when a connect finds it
// already open; that connection keeps its single pump.
func (s *Session) attach(c *transport.Conn) {
	s.mu.Lock()
	if s.current == c {
		s.mu.Unlock()
		return
	}
	// Requests written on the previous connection will never be answered.
	s.store.ForgetRequests()
	s.current = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(c)
}

// pump forwards frames of c to the loop, then reports its closure to the
// supervisor.
func (s *Session) pump(c *transport.Conn) {
	defer s.wg.Done()

	for {
		data, err := c.Receive(s.ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				return
			}
			break
		}
		select {
		case s.inbox <- inbound{conn: c, data: data}:
		case <-s.ctx.Done():
			return
		}
	}

	select {
	case <-c.Done():
	case <-s.ctx.Done():
		return
	}
	ev, _ := c.CloseEvent()
	s.logger.Info("connection_closed", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
	s.sup.HandleClose(ev)
}

func (s *Session) loop() {
	defer s.wg.Done()

	for {
		select {
		case f := <-s.inbox:
			if f.conn != s.conn() {
				s.logger.Debug("stale_frame_dropped")
				s.metrics.ObserveStaleFrame()
				continue
			}
			s.router.HandleFrame(s.ctx, f.data)
		case <-s.ctx.Done():
			return
		}
	}
}
