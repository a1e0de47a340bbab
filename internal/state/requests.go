package state

import "github.com/omochice/socket-chat-client/pkg/protocol"

// The server answers the requests of one connection in order, each with
// its reply event or with an ERROR frame. The store keeps the kinds of the
// unanswered ones so that an ERROR can be matched to its request. Snapshots
// do not expose them, so these methods do not notify subscribers.

// Expect records that a request of kind is about to be written.
func (s *Store) Expect(kind protocol.RequestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.inflight = append(s.model.inflight, kind)
}

// Unexpect drops the newest unanswered request of kind, for a request that
// could not be written.
func (s *Store) Unexpect(kind protocol.RequestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.model.inflight) - 1; i >= 0; i-- {
		if s.model.inflight[i] == kind {
			s.model.inflight = append(s.model.inflight[:i:i], s.model.inflight[i+1:]...)
			return
		}
	}
}

// ForgetRequests drops every unanswered request.
func (s *Store) ForgetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.inflight = nil
}

// Settle marks the oldest unanswered request of kind as answered. Requests
// written before it went unanswered and are dropped too. It reports whether
// a request of kind was waiting.
func (tx *Tx) Settle(kind protocol.RequestKind) bool {
	for i, k := range tx.m.inflight {
		if k == kind {
			tx.m.inflight = append([]protocol.RequestKind(nil), tx.m.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// Fail marks the oldest unanswered request as failed and undoes the
// optimistic update it carried, if any. ok is false when no request was
// waiting.
func (tx *Tx) Fail() (kind protocol.RequestKind, rolledBack, ok bool) {
	if len(tx.m.inflight) == 0 {
		return 0, false, false
	}
	kind = tx.m.inflight[0]
	tx.m.inflight = append([]protocol.RequestKind(nil), tx.m.inflight[1:]...)

	switch kind {
	case protocol.RequestLeftChat:
		rolledBack = tx.Rollback(PendingLeave)
	case protocol.RequestSendMessage:
		rolledBack = tx.Rollback(PendingDraft)
	}
	return kind, rolledBack, true
}

// Inflight returns the kinds of the unanswered requests, oldest first.
func (tx *Tx) Inflight() []protocol.RequestKind {
	return append([]protocol.RequestKind(nil), tx.m.inflight...)
}
