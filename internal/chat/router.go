// Package chat applies inbound chat frames to the conversational state and
// issues the outbound commands of one chat session.
package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/prefs"
	"github.com/omochice/socket-chat-client/internal/state"
	"github.com/omochice/socket-chat-client/pkg/protocol"
)

// IDFunc generates IDs for locally created system messages.
type IDFunc func() string

// Outbound is the set of commands the router issues on its own in reaction
// to inbound frames.
type Outbound interface {
	GetRooms() bool
	ChangeUsername(username string) bool
	JoinChat(roomID string) bool
}

// Router dispatches decoded events to the state store. It is not safe for
// concurrent use; callers serialise HandleFrame and Dispatch.
type Router struct {
	store   *state.Store
	out     Outbound
	prefs   prefs.Store
	newID   IDFunc
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a Router that writes to store and sends follow-up
// requests through out.
func NewRouter(store *state.Store, out Outbound, opts ...Option) *Router {
	o := newOptions(opts)
	return &Router{
		store:   store,
		out:     out,
		prefs:   o.prefs,
		newID:   o.newID,
		now:     o.now,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// HandleFrame decodes one raw inbound frame and dispatches it. Malformed
// frames are logged and dropped.
func (r *Router) HandleFrame(ctx context.Context, data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		r.logger.Warn("frame_decode_failed", zap.ByteString("frame", data), zap.Error(err))
		return
	}
	r.metrics.ObserveFrameReceived(ev.Kind().String())
	r.Dispatch(ctx, ev)
}

// Dispatch applies the effect of ev.
func (r *Router) Dispatch(ctx context.Context, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ServerError:
		r.serverError(e)
	case protocol.Connected:
		r.connected(ctx, e)
	case protocol.TopicRooms:
		r.store.Apply(func(tx *state.Tx) {
			tx.Settle(protocol.RequestGetRooms)
			tx.SetRooms(e.Rooms)
		})
	case protocol.MeChangedUsername:
		r.meChangedUsername(ctx, e)
	case protocol.OtherChangedUsername:
		r.store.Apply(func(tx *state.Tx) {
			r.appendSystem(tx, protocol.MessageKindOtherUsernameChanged, e.User.Username+" changed username", e.User)
		})
	case protocol.MeJoinedChat:
		r.meJoinedChat(e)
	case protocol.OtherJoinedChat:
		r.store.Apply(func(tx *state.Tx) {
			tx.AddUser(e.User)
			r.appendSystem(tx, protocol.MessageKindOtherJoined, e.User.Username+" joined chat", e.User)
		})
	case protocol.MeLeftChat:
		r.store.Apply(func(tx *state.Tx) {
			tx.Settle(protocol.RequestLeftChat)
			tx.SetCurrentRoom(nil)
			tx.Commit(state.PendingLeave)
		})
	case protocol.OtherLeftChat:
		r.store.Apply(func(tx *state.Tx) {
			tx.RemoveUser(e.User.ID)
			r.appendSystem(tx, protocol.MessageKindOtherLeft, e.User.Username+" left chat", e.User)
		})
	case protocol.MeMessageSend:
		r.store.Apply(func(tx *state.Tx) {
			tx.Settle(protocol.RequestSendMessage)
			msg := e.Message
			me := tx.Me()
			msg.Kind = protocol.MessageKindPlain
			msg.User = &me
			if msg.UserID == "" {
				msg.UserID = me.ID
			}
			tx.AppendMessage(msg)
			tx.Commit(state.PendingDraft)
		})
	case protocol.OtherMessageSend:
		r.store.Apply(func(tx *state.Tx) {
			msg := e.Message
			msg.Kind = protocol.MessageKindPlain
			tx.AppendMessage(msg)
		})
	case protocol.OldMessages:
		r.oldMessages(e)
	case protocol.Unknown:
		r.logger.Warn("unknown_frame", zap.Int("type", int(e.Type)), zap.ByteString("frame", e.Raw))
	default:
		r.logger.Error("unhandled_event", zap.Stringer("kind", ev.Kind()))
	}
}

// serverError fails the oldest unanswered request, undoing its optimistic
// update.
func (r *Router) serverError(e protocol.ServerError) {
	var (
		kind           protocol.RequestKind
		rolledBack, ok bool
	)
	r.store.Apply(func(tx *state.Tx) {
		kind, rolledBack, ok = tx.Fail()
	})

	fields := []zap.Field{zap.String("message", e.Message)}
	if ok {
		fields = append(fields, zap.Stringer("request", kind), zap.Bool("rolled_back", rolledBack))
	}
	r.logger.Warn("server_error", fields...)
}

func (r *Router) connected(ctx context.Context, e protocol.Connected) {
	var (
		room *protocol.Room
		left bool
	)
	r.store.Apply(func(tx *state.Tx) {
		tx.SetMe(e.Me)
		left = tx.Abandon()
		room = tx.CurrentRoom()
	})
	r.logger.Info("session_started", zap.String("user_id", e.Me.ID), zap.String("username", e.Me.Username))
	if left {
		r.logger.Info("pending_leave_completed")
	}

	r.out.GetRooms()

	username, err := r.prefs.Username(ctx)
	if err != nil {
		r.logger.Warn("username_lookup_failed", zap.Error(err))
	} else if username != "" {
		r.out.ChangeUsername(username)
	}

	// A fresh connection is not a member of any room on the server.
	if room != nil {
		r.logger.Info("rejoining_room", zap.String("room_id", room.ID))
		r.out.JoinChat(room.ID)
	}
}

func (r *Router) meChangedUsername(ctx context.Context, e protocol.MeChangedUsername) {
	r.store.Apply(func(tx *state.Tx) {
		tx.Settle(protocol.RequestChangeUsername)
		tx.SetMe(e.Me)
		r.appendSystem(tx, protocol.MessageKindSelfUsernameChanged, "you changed username", e.Me)
	})
	if err := r.prefs.SetUsername(ctx, e.Me.Username); err != nil {
		r.logger.Warn("username_persist_failed", zap.String("username", e.Me.Username), zap.Error(err))
	}
}

func (r *Router) meJoinedChat(e protocol.MeJoinedChat) {
	notice := e.Notice
	if notice == "" {
		notice = "you joined chat"
	}
	r.store.Apply(func(tx *state.Tx) {
		tx.Settle(protocol.RequestJoinChat)
		// The history is replaced, so an unconfirmed leave has nothing left
		// to restore.
		for tx.Commit(state.PendingLeave) {
		}
		tx.ReplaceMessages(plain(e.Messages))
		tx.ReplaceUsers(e.Users)
		if e.Room != nil {
			tx.SetCurrentRoom(e.Room)
		}
		r.appendSystem(tx, protocol.MessageKindSelfJoined, notice, tx.Me())
	})
	if e.Room == nil {
		r.logger.Warn("joined_without_room")
	}
}

func (r *Router) oldMessages(e protocol.OldMessages) {
	r.store.Apply(func(tx *state.Tx) {
		tx.Settle(protocol.RequestGetOldMessages)
		current := tx.CurrentRoom()
		if current == nil || (e.Room != nil && e.Room.ID != current.ID) {
			r.logger.Debug("old_messages_ignored", zap.Bool("in_room", current != nil))
			return
		}
		if e.Exhausted {
			tx.MarkDoneLoading()
			return
		}
		tx.PrependMessages(plain(e.Messages))
	})
}

// appendSystem must be called inside Apply.
func (r *Router) appendSystem(tx *state.Tx, kind protocol.MessageKind, text string, user protocol.User) {
	msg := protocol.Message{
		ID:        r.newID(),
		UserID:    user.ID,
		User:      &user,
		Text:      text,
		Timestamp: r.now().UnixMilli(),
		Kind:      kind,
	}
	if room := tx.CurrentRoom(); room != nil {
		msg.RoomID = room.ID
	}
	tx.AppendMessage(msg)
}

func plain(msgs []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		m.Kind = protocol.MessageKindPlain
		out[i] = m
	}
	return out
}
