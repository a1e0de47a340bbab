// Package state holds the conversational state of one chat session: the
// local user, the room directory, and the current room's occupants and
// messages.
package state

import (
	"sync"

	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// Snapshot is a point-in-time copy of the store. Mutating it does not
// affect the store.
type Snapshot struct {
	Me           protocol.User
	CurrentRoom  *protocol.Room
	Rooms        []protocol.Room
	Users        []protocol.User
	Messages     []protocol.Message
	MessageInput string
}

// InRoom reports whether the client is inside a room.
func (s Snapshot) InRoom() bool {
	return s.CurrentRoom != nil
}

// OldestMessageID returns the ID of the first stored message, used as the
// cursor for paginating history.
func (s Snapshot) OldestMessageID() string {
	for _, m := range s.Messages {
		if !m.Kind.IsSystem() {
			return m.ID
		}
	}
	return ""
}

// Reader is the read-only view handed to the presentation layer.
type Reader interface {
	Snapshot() Snapshot
	Subscribe() (<-chan Snapshot, func())
}

// Store is the shared conversational state.
// Writes go through Apply so that every inbound frame is applied atomically
// and observed by subscribers as one change.
type Store struct {
	mu      sync.RWMutex
	model   model
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

var _ Reader = (*Store)(nil)

type model struct {
	me           protocol.User
	currentRoom  *protocol.Room
	rooms        []protocol.Room
	users        []protocol.User
	messages     []protocol.Message
	messageInput string
	pending      []pending
	inflight     []protocol.RequestKind
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.snapshot()
}

// Apply runs fn with exclusive access to the state and notifies subscribers
// once fn returns.
func (s *Store) Apply(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&Tx{m: &s.model})
	s.publish()
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the most recent snapshot. The returned
// func releases the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.model.snapshot()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Reset clears every field, including pending optimistic updates.
func (s *Store) Reset() {
	s.Apply(func(tx *Tx) {
		*tx.m = model{}
	})
}

// Close releases all subscribers. The store stays readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// publish must be called with s.mu held for writing.
func (s *Store) publish() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.model.snapshot()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *model) snapshot() Snapshot {
	snap := Snapshot{
		Me:           m.me,
		Rooms:        append([]protocol.Room(nil), m.rooms...),
		Users:        append([]protocol.User(nil), m.users...),
		Messages:     append([]protocol.Message(nil), m.messages...),
		MessageInput: m.messageInput,
	}
	if m.currentRoom != nil {
		room := *m.currentRoom
		snap.CurrentRoom = &room
	}
	return snap
}
