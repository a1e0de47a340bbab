package state

import "github.com/omochice/socket-chat-client/pkg/protocol"

// Tx is the mutation handle passed to Store.Apply. It must not be retained
// after Apply returns.
type Tx struct {
	m *model
}

// Me returns the local user.
func (tx *Tx) Me() protocol.User {
	return tx.m.me
}

// SetMe replaces the local user.
func (tx *Tx) SetMe(u protocol.User) {
	tx.m.me = u
}

// SetRooms replaces the room directory.
func (tx *Tx) SetRooms(rooms []protocol.Room) {
	tx.m.rooms = append([]protocol.Room(nil), rooms...)
}

// CurrentRoom returns a copy of the current room, or nil outside a room.
func (tx *Tx) CurrentRoom() *protocol.Room {
	if tx.m.currentRoom == nil {
		return nil
	}
	room := *tx.m.currentRoom
	return &room
}

// SetCurrentRoom enters room. A nil room leaves.
func (tx *Tx) SetCurrentRoom(room *protocol.Room) {
	if room == nil {
		tx.m.currentRoom = nil
		return
	}
	r := *room
	tx.m.currentRoom = &r
}

// MarkDoneLoading flags that the current room has no older history. It is a
// no-op outside a room.
func (tx *Tx) MarkDoneLoading() {
	if tx.m.currentRoom != nil {
		tx.m.currentRoom.DoneLoading = true
	}
}

// ReplaceMessages discards the stored messages.
func (tx *Tx) ReplaceMessages(msgs []protocol.Message) {
	tx.m.messages = append([]protocol.Message(nil), msgs...)
}

// AppendMessage adds msg at the tail.
func (tx *Tx) AppendMessage(msg protocol.Message) {
	tx.m.messages = append(tx.m.messages, msg)
}

// PrependMessages injects a page of history at the head, keeping the page's
// internal order.
func (tx *Tx) PrependMessages(page []protocol.Message) {
	if len(page) == 0 {
		return
	}
	msgs := make([]protocol.Message, 0, len(page)+len(tx.m.messages))
	msgs = append(msgs, page...)
	tx.m.messages = append(msgs, tx.m.messages...)
}

// ReplaceUsers replaces the occupant list, dropping duplicate IDs.
func (tx *Tx) ReplaceUsers(users []protocol.User) {
	tx.m.users = nil
	for _, u := range users {
		tx.AddUser(u)
	}
}

// AddUser adds u unless a user with the same ID is present. It reports
// whether u was added.
func (tx *Tx) AddUser(u protocol.User) bool {
	for _, existing := range tx.m.users {
		if existing.ID == u.ID {
			return false
		}
	}
	tx.m.users = append(tx.m.users, u)
	return true
}

// RemoveUser removes the user with the given ID.
func (tx *Tx) RemoveUser(id string) {
	users := tx.m.users[:0]
	for _, u := range tx.m.users {
		if u.ID != id {
			users = append(users, u)
		}
	}
	tx.m.users = users
}

// MessageInput returns the draft text.
func (tx *Tx) MessageInput() string {
	return tx.m.messageInput
}

// SetMessageInput replaces the draft text.
func (tx *Tx) SetMessageInput(text string) {
	tx.m.messageInput = text
}
