package state

import "github.com/omochice/socket-chat-client/pkg/protocol"

// PendingKind names a local change applied ahead of the server's answer.
type PendingKind int

const (
	PendingLeave PendingKind = iota
	PendingDraft
)

// String returns the string representation of PendingKind
func (k PendingKind) String() string {
	switch k {
	case PendingLeave:
		return "leave"
	case PendingDraft:
		return "draft"
	default:
		return "unknown"
	}
}

type pending struct {
	kind     PendingKind
	messages []protocol.Message
	users    []protocol.User
	draft    string
}

// BeginLeave clears messages and occupants before the server confirms the
// leave. The cleared values are kept until Commit or Rollback.
func (tx *Tx) BeginLeave() {
	tx.m.pending = append(tx.m.pending, pending{
		kind:     PendingLeave,
		messages: tx.m.messages,
		users:    tx.m.users,
	})
	tx.m.messages = nil
	tx.m.users = nil
}

// BeginDraftClear clears the draft before the server echoes the message.
func (tx *Tx) BeginDraftClear() {
	tx.m.pending = append(tx.m.pending, pending{
		kind:  PendingDraft,
		draft: tx.m.messageInput,
	})
	tx.m.messageInput = ""
}

// Pending returns the kinds of outstanding optimistic updates, oldest first.
func (tx *Tx) Pending() []PendingKind {
	kinds := make([]PendingKind, len(tx.m.pending))
	for i, p := range tx.m.pending {
		kinds[i] = p.kind
	}
	return kinds
}

// Commit drops the oldest pending update of the given kind, making the
// local change final. It reports whether one was pending.
func (tx *Tx) Commit(kind PendingKind) bool {
	_, ok := tx.take(kind)
	return ok
}

// Rollback undoes the oldest pending update of the given kind. Values that
// arrived after the optimistic change are kept after the restored ones.
func (tx *Tx) Rollback(kind PendingKind) bool {
	p, ok := tx.take(kind)
	if !ok {
		return false
	}
	tx.restore(p)
	return true
}

// Abandon settles the updates left pending by a connection that is gone.
// A new connection is in no room, so a pending leave becomes final and the
// current room is cleared. Cleared drafts are restored. It reports whether
// a leave was pending.
func (tx *Tx) Abandon() bool {
	left := false
	for _, p := range tx.m.pending {
		switch p.kind {
		case PendingLeave:
			left = true
		case PendingDraft:
			tx.restore(p)
		}
	}
	tx.m.pending = nil
	if left {
		tx.m.currentRoom = nil
	}
	return left
}

func (tx *Tx) take(kind PendingKind) (pending, bool) {
	for i, p := range tx.m.pending {
		if p.kind == kind {
			tx.m.pending = append(tx.m.pending[:i:i], tx.m.pending[i+1:]...)
			return p, true
		}
	}
	return pending{}, false
}

func (tx *Tx) restore(p pending) {
	switch p.kind {
	case PendingLeave:
		arrived := tx.m.messages
		tx.m.messages = append(append([]protocol.Message(nil), p.messages...), arrived...)
		current := tx.m.users
		tx.m.users = nil
		for _, u := range p.users {
			tx.AddUser(u)
		}
		for _, u := range current {
			tx.AddUser(u)
		}
	case PendingDraft:
		if tx.m.messageInput == "" {
			tx.m.messageInput = p.draft
		}
	}
}
