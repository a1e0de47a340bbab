// Package protocol defines the JSON frames exchanged with the chat server.
package protocol

// MessageKind tells the presentation layer how to render a Message.
type MessageKind int

const (
	MessageKindPlain MessageKind = iota
	MessageKindSelfUsernameChanged
	MessageKindOtherUsernameChanged
	MessageKindOtherLeft
	MessageKindSelfJoined
	MessageKindOtherJoined
)

// String returns the string representation of MessageKind
func (k MessageKind) String() string {
	switch k {
	case MessageKindPlain:
		return "PLAIN"
	case MessageKindSelfUsernameChanged:
		return "SELF_USERNAME_CHANGED"
	case MessageKindOtherUsernameChanged:
		return "OTHER_USERNAME_CHANGED"
	case MessageKindOtherLeft:
		return "OTHER_LEFT"
	case MessageKindSelfJoined:
		return "SELF_JOINED"
	case MessageKindOtherJoined:
		return "OTHER_JOINED"
	default:
		return "UNKNOWN"
	}
}

// IsSystem reports whether the message was fabricated locally to describe
// a room event rather than typed by a user.
func (k MessageKind) IsSystem() bool {
	return k != MessageKindPlain
}

// User is a chat participant. ID is assigned by the server and never changes.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Room is an entry of the room directory. A direct-message room carries the
// peer's user ID and username.
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DoneLoading bool   `json:"doneLoading,omitempty"`
}

// Message is a single chat line.
// Kind is never sent by the server; it is assigned on receipt.
type Message struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId,omitempty"`
	User      *User       `json:"user,omitempty"`
	RoomID    string      `json:"roomId,omitempty"`
	Text      string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Kind      MessageKind `json:"-"`
}
