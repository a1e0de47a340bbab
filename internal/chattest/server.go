// Package chattest runs an in-process chat server that speaks the client's
// wire protocol, for tests.
package chattest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// Path is the route the chat endpoint is served on.
const Path = "/ws/chat"

// DefaultPageSize is the number of history messages returned per page.
const DefaultPageSize = 20

// Request is an outbound frame received from a client.
type Request struct {
	ClientID string
	Kind     protocol.RequestKind
	Body     json.RawMessage
}

// Server is a fake chat server.
type Server struct {
	srv      *httptest.Server
	handler  http.Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger
	pageSize int

	mu             sync.Mutex
	clients        map[string]*client
	rooms          []protocol.Room
	members        map[string]map[string]bool
	history        map[string][]protocol.Message
	requests       []Request
	requestSignal  chan struct{}
	connections    int
	failHandshakes int
	failNext       map[protocol.RequestKind]string
	silent         map[protocol.RequestKind]bool
}

type client struct {
	conn *websocket.Conn
	user protocol.User
	room string

	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPageSize sets how many history messages a join or page returns.
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithRooms seeds the room directory.
func WithRooms(rooms ...protocol.Room) Option {
	return func(s *Server) {
		s.rooms = append(s.rooms, rooms...)
	}
}

// New starts a Server on a loopback port. Call Close when done.
func New(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.srv = httptest.NewServer(s.handler)
	return s
}

// NewUnstarted creates a Server without listening. Serve its Handler with
// an http.Server of your own; URL and Close are not usable.
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:        zap.NewNop(),
		pageSize:      DefaultPageSize,
		clients:       make(map[string]*client),
		members:       make(map[string]map[string]bool),
		history:       make(map[string][]protocol.Message),
		requestSignal: make(chan struct{}),
		failNext:      make(map[protocol.RequestKind]string),
		silent:        make(map[protocol.RequestKind]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(Path, s.handleWebSocket)
	s.handler = r
	return s
}

// Handler serves the chat endpoint on Path.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// URL returns the ws:// URL of the chat endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + Path
}

// Close drops every client and stops the server.
func (s *Server) Close() {
	s.DropAll()
	if s.srv != nil {
		s.srv.Close()
	}
}

// SeedHistory appends msgs to the stored history of roomID.
func (s *Server) SeedHistory(roomID string, msgs ...protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[roomID] = append(s.history[roomID], msgs...)
}

// Connections returns how many clients completed the handshake so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// FailHandshakes makes the next n upgrade requests fail with 503.
func (s *Server) FailHandshakes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHandshakes = n
}

// FailNext answers the next request of kind with an ERROR frame instead of
// handling it.
func (s *Server) FailNext(kind protocol.RequestKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[kind] = message
}

// Silence records requests of kind without answering them.
func (s *Server) Silence(kind protocol.RequestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[kind] = true
}

// Requests returns every request received so far, oldest first.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsOf returns the received requests of kind.
func (s *Server) RequestsOf(kind protocol.RequestKind) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestsOf(kind)
}

func (s *Server) requestsOf(kind protocol.RequestKind) []Request {
	var out []Request
	for _, r := range s.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// WaitRequests blocks until at least n requests of kind were received.
func (s *Server) WaitRequests(ctx context.Context, kind protocol.RequestKind, n int) ([]Request, error) {
	for {
		s.mu.Lock()
		got := s.requestsOf(kind)
		signal := s.requestSignal
		s.mu.Unlock()

		if len(got) >= n {
			return got, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return got, ctx.Err()
		}
	}
}

// WaitClients blocks until exactly n clients are connected.
func (s *Server) WaitClients(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.ClientCount() == n {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Broadcast writes a raw frame to every connected client.
func (s *Server) Broadcast(frame []byte) {
	for _, c := range s.snapshotClients() {
		if err := c.send(frame); err != nil {
			s.logger.Warn("broadcast_failed", zap.String("client", c.user.ID), zap.Error(err))
		}
	}
}

// DropAll cuts every client's TCP connection without a close frame.
func (s *Server) DropAll() {
	for _, c := range s.snapshotClients() {
		c.conn.NetConn().Close()
	}
}

// CloseAll sends a close frame with code to every client.
func (s *Server) CloseAll(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range s.snapshotClients() {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil {
			s.logger.Warn("close_failed", zap.String("client", c.user.ID), zap.Error(err))
		}
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failHandshakes > 0 {
		s.failHandshakes--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{
		conn: conn,
		user: protocol.User{ID: id, Username: id, Avatar: "https://picsum.photos/56/56"},
	}

	s.mu.Lock()
	s.clients[id] = c
	s.connections++
	s.mu.Unlock()

	defer s.unregister(c)

	s.reply(c, protocol.KindConnected, c.user, "connection successful")
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	for {
		// The default close handler echoes the client's close frame.
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client_read_failed", zap.String("client", c.user.ID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		kind, body, err := protocol.DecodeRequest(data)
		if err != nil {
			s.replyError(c, "Bad Request")
			continue
		}
		s.handle(c, kind, body)
	}
}

func (s *Server) handle(c *client, kind protocol.RequestKind, body json.RawMessage) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{ClientID: c.user.ID, Kind: kind, Body: body})
	close(s.requestSignal)
	s.requestSignal = make(chan struct{})
	failMsg, fail := s.failNext[kind]
	delete(s.failNext, kind)
	silent := s.silent[kind]
	s.mu.Unlock()

	if fail {
		s.replyError(c, failMsg)
		return
	}
	if silent {
		return
	}

	switch kind {
	case protocol.RequestGetRooms:
		s.getRooms(c)
	case protocol.RequestChangeUsername:
		var b protocol.ChangeUsernameBody
		if json.Unmarshal(body, &b) != nil || b.Username == "" {
			s.replyError(c, "Bad Request")
			return
		}
		s.changeUsername(c, b.Username)
	case protocol.RequestJoinChat:
		var b protocol.RoomBody
		if json.Unmarshal(body, &b) != nil || b.RoomID == "" {
			s.replyError(c, "Bad Request")
			return
		}
		s.joinChat(c, b.RoomID)
	case protocol.RequestLeftChat:
		var b protocol.RoomBody
		if json.Unmarshal(body, &b) != nil || b.RoomID == "" {
			s.replyError(c, "Bad Request")
			return
		}
		s.leaveChat(c, b.RoomID)
	case protocol.RequestSendMessage:
		var b protocol.SendMessageBody
		if json.Unmarshal(body, &b) != nil || b.RoomID == "" {
			s.replyError(c, "Bad Request")
			return
		}
		s.sendMessage(c, b.Message, b.RoomID)
	case protocol.RequestGetOldMessages:
		var b protocol.OldMessagesBody
		if json.Unmarshal(body, &b) != nil || b.RoomID == "" {
			s.replyError(c, "Bad Request")
			return
		}
		s.oldMessages(c, b.RoomID, b.OldestMsgID)
	default:
		s.replyError(c, "Bad Request")
	}
}

func (s *Server) getRooms(c *client) {
	s.mu.Lock()
	rooms := append([]protocol.Room{}, s.rooms...)
	s.mu.Unlock()
	s.reply(c, protocol.KindTopicRooms, rooms, "")
}

func (s *Server) changeUsername(c *client, username string) {
	s.mu.Lock()
	c.user.Username = username
	user := c.user
	peers := s.peers(c)
	s.mu.Unlock()

	s.reply(c, protocol.KindMeChangedUsername, user, "your username is changed")
	s.fanout(peers, protocol.KindOtherChangedUsername, user, "a user changed its username")
}

func (s *Server) joinChat(c *client, roomID string) {
	s.mu.Lock()
	room, ok := s.room(roomID)
	if !ok {
		s.mu.Unlock()
		s.replyError(c, "Bad Request")
		return
	}
	if c.room != "" && c.room != roomID {
		delete(s.members[c.room], c.user.ID)
	}
	c.room = roomID
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[string]bool)
	}
	s.members[roomID][c.user.ID] = true

	messages := s.lastN(roomID, "")
	var users []protocol.User
	for id := range s.members[roomID] {
		if other, ok := s.clients[id]; ok {
			users = append(users, other.user)
		}
	}
	user := c.user
	peers := s.peers(c)
	s.mu.Unlock()

	data := map[string]any{
		"room":     room,
		"messages": messages,
		"users":    users,
	}
	s.reply(c, protocol.KindMeJoinedChat, data, "you joined chat")
	s.fanout(peers, protocol.KindOtherJoinedChat, user, "a user joined chat")
}

func (s *Server) leaveChat(c *client, roomID string) {
	s.mu.Lock()
	delete(s.members[roomID], c.user.ID)
	if c.room == roomID {
		c.room = ""
	}
	user := c.user
	peers := s.membersExcept(roomID, c.user.ID)
	s.mu.Unlock()

	s.reply(c, protocol.KindMeLeftChat, nil, "you left the chat")
	s.fanout(peers, protocol.KindOtherLeftChat, user, "a user left chat")
}

func (s *Server) sendMessage(c *client, text, roomID string) {
	msg := protocol.Message{
		ID:        uuid.NewString(),
		UserID:    c.user.ID,
		RoomID:    roomID,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.history[roomID] = append(s.history[roomID], msg)
	user := c.user
	peers := s.membersExcept(roomID, c.user.ID)
	s.mu.Unlock()

	s.reply(c, protocol.KindMeMessageSend, msg, "")
	msg.User = &user
	s.fanout(peers, protocol.KindOtherMessageSend, msg, "")
}

func (s *Server) oldMessages(c *client, roomID, oldestID string) {
	s.mu.Lock()
	room, ok := s.room(roomID)
	if !ok {
		s.mu.Unlock()
		s.replyError(c, "Not Found")
		return
	}
	messages := s.lastN(roomID, oldestID)
	s.mu.Unlock()

	s.reply(c, protocol.KindOldMessages, map[string]any{
		"room":     room,
		"messages": messages,
	}, "")
}

// lastN returns up to pageSize messages preceding oldestID, or the newest
// page when oldestID is empty or unknown. An exhausted history yields nil.
// s.mu must be held.
func (s *Server) lastN(roomID, oldestID string) []protocol.Message {
	all := s.history[roomID]
	end := len(all)
	if oldestID != "" {
		for i, m := range all {
			if m.ID == oldestID {
				end = i
				break
			}
		}
	}
	start := end - s.pageSize
	if start < 0 {
		start = 0
	}
	if start == end {
		return nil
	}

	page := make([]protocol.Message, 0, end-start)
	for _, m := range all[start:end] {
		if owner, ok := s.clients[m.UserID]; ok {
			u := owner.user
			m.User = &u
		} else {
			m.User = &protocol.User{ID: "<removed>", Username: "<removed>"}
		}
		page = append(page, m)
	}
	return page
}

// s.mu must be held.
func (s *Server) room(id string) (protocol.Room, bool) {
	for _, r := range s.rooms {
		if r.ID == id {
			return r, true
		}
	}
	return protocol.Room{}, false
}

// peers returns the other members of c's room. s.mu must be held.
func (s *Server) peers(c *client) []*client {
	if c.room == "" {
		return nil
	}
	return s.membersExcept(c.room, c.user.ID)
}

// s.mu must be held.
func (s *Server) membersExcept(roomID, userID string) []*client {
	var out []*client
	for id := range s.members[roomID] {
		if id == userID {
			continue
		}
		if other, ok := s.clients[id]; ok {
			out = append(out, other)
		}
	}
	return out
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.user.ID)
	var peers []*client
	if c.room != "" {
		delete(s.members[c.room], c.user.ID)
		peers = s.membersExcept(c.room, c.user.ID)
	}
	user := c.user
	s.mu.Unlock()

	c.conn.Close()
	s.fanout(peers, protocol.KindOtherLeftChat, user, "a user lost connection")
}

func (s *Server) reply(c *client, kind protocol.EventKind, data any, message string) {
	frame, err := protocol.EncodeFrame(kind, data, message)
	if err != nil {
		s.logger.Error("encode_failed", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	if err := c.send(frame); err != nil {
		s.logger.Warn("send_failed", zap.String("client", c.user.ID), zap.Error(err))
	}
}

func (s *Server) replyError(c *client, message string) {
	frame, err := protocol.EncodeError(message)
	if err != nil {
		return
	}
	if err := c.send(frame); err != nil {
		s.logger.Warn("send_failed", zap.String("client", c.user.ID), zap.Error(err))
	}
}

func (s *Server) fanout(peers []*client, kind protocol.EventKind, data any, message string) {
	for _, p := range peers {
		s.reply(p, kind, data, message)
	}
}
