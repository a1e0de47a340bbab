package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a frame is not valid JSON or its body
// does not match the shape its type requires.
var ErrMalformedFrame = errors.New("malformed frame")

// EventKind identifies an inbound frame.
type EventKind int

const (
	KindError EventKind = iota
	KindConnected
	KindTopicRooms
	KindMeChangedUsername
	KindOtherChangedUsername
	KindMeJoinedChat
	KindOtherJoinedChat
	KindMeLeftChat
	KindOtherLeftChat
	KindMeMessageSend
	KindOtherMessageSend
	KindOldMessages
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case KindError:
		return "ERROR"
	case KindConnected:
		return "CONNECTED"
	case KindTopicRooms:
		return "TOPIC_ROOMS"
	case KindMeChangedUsername:
		return "ME_CHANGED_USERNAME"
	case KindOtherChangedUsername:
		return "OTHER_CHANGED_USERNAME"
	case KindMeJoinedChat:
		return "ME_JOINED_CHAT"
	case KindOtherJoinedChat:
		return "OTHER_JOINED_CHAT"
	case KindMeLeftChat:
		return "ME_LEFT_CHAT"
	case KindOtherLeftChat:
		return "OTHER_LEFT_CHAT"
	case KindMeMessageSend:
		return "ME_MESSAGE_SEND"
	case KindOtherMessageSend:
		return "OTHER_MESSAGE_SEND"
	case KindOldMessages:
		return "OLD_MESSAGES"
	default:
		return "UNKNOWN"
	}
}

// Frame is an inbound frame: {"type": <int>, "body"?: {"data"?, "message"?}}.
// The server reports failures in a top-level "error" object instead of body.
type Frame struct {
	Type  EventKind       `json:"type"`
	Body  *FrameBody      `json:"body,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// FrameBody carries the payload of an inbound frame.
type FrameBody struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Event is a decoded inbound frame. The set of implementations is closed:
// every kind the server can send has exactly one Event type.
type Event interface {
	Kind() EventKind
	event()
}

// ServerError reports a request the server refused.
type ServerError struct {
	Message string
}

// Connected is the first frame of every connection and carries the local user.
type Connected struct {
	Me User
}

// TopicRooms carries the room directory.
type TopicRooms struct {
	Rooms []Room
}

// MeChangedUsername confirms a username change of the local user.
type MeChangedUsername struct {
	Me User
}

// OtherChangedUsername reports a username change of another room occupant.
type OtherChangedUsername struct {
	User User
}

// MeJoinedChat confirms a join and carries the room's recent history and
// current occupants.
type MeJoinedChat struct {
	Room     *Room
	Messages []Message
	Users    []User
	Notice   string
}

// OtherJoinedChat reports a new occupant of the current room.
type OtherJoinedChat struct {
	User User
}

// MeLeftChat confirms that the local user left the room.
type MeLeftChat struct {
	Notice string
}

// OtherLeftChat reports that an occupant left the current room.
type OtherLeftChat struct {
	User User
}

// MeMessageSend echoes a message the local user sent.
type MeMessageSend struct {
	Message Message
}

// OtherMessageSend carries a message another occupant sent.
type OtherMessageSend struct {
	Message Message
}

// OldMessages carries one page of history preceding the oldest stored
// message. Exhausted is set when the server had no page to return.
type OldMessages struct {
	Room      *Room
	Messages  []Message
	Exhausted bool
}

// Unknown is a well-formed frame of a kind this client does not know.
type Unknown struct {
	Type EventKind
	Raw  json.RawMessage
}

func (ServerError) Kind() EventKind          { return KindError }
func (Connected) Kind() EventKind            { return KindConnected }
func (TopicRooms) Kind() EventKind           { return KindTopicRooms }
func (MeChangedUsername) Kind() EventKind    { return KindMeChangedUsername }
func (OtherChangedUsername) Kind() EventKind { return KindOtherChangedUsername }
func (MeJoinedChat) Kind() EventKind         { return KindMeJoinedChat }
func (OtherJoinedChat) Kind() EventKind      { return KindOtherJoinedChat }
func (MeLeftChat) Kind() EventKind           { return KindMeLeftChat }
func (OtherLeftChat) Kind() EventKind        { return KindOtherLeftChat }
func (MeMessageSend) Kind() EventKind        { return KindMeMessageSend }
func (OtherMessageSend) Kind() EventKind     { return KindOtherMessageSend }
func (OldMessages) Kind() EventKind          { return KindOldMessages }
func (u Unknown) Kind() EventKind            { return u.Type }

func (ServerError) event()          {}
func (Connected) event()            {}
func (TopicRooms) event()           {}
func (MeChangedUsername) event()    {}
func (OtherChangedUsername) event() {}
func (MeJoinedChat) event()         {}
func (OtherJoinedChat) event()      {}
func (MeLeftChat) event()           {}
func (OtherLeftChat) event()        {}
func (MeMessageSend) event()        {}
func (OtherMessageSend) event()     {}
func (OldMessages) event()          {}
func (Unknown) event()              {}

type roomPayload struct {
	Room     *Room      `json:"room"`
	Messages *[]Message `json:"messages"`
	Users    []User     `json:"users"`
}

// DecodeEvent decodes an inbound frame into its typed Event.
// Frames of an unrecognised kind decode to Unknown without error.
func DecodeEvent(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	body := f.Body
	if body == nil {
		body = &FrameBody{}
	}

	switch f.Type {
	case KindError:
		return ServerError{Message: errorMessage(f.Error)}, nil

	case KindConnected:
		var me User
		if err := decodeData(f.Type, body.Data, &me); err != nil {
			return nil, err
		}
		return Connected{Me: me}, nil

	case KindTopicRooms:
		var rooms []Room
		if err := decodeOptional(f.Type, body.Data, &rooms); err != nil {
			return nil, err
		}
		return TopicRooms{Rooms: rooms}, nil

	case KindMeChangedUsername:
		me, err := decodeChangedUser(f.Type, body.Data)
		if err != nil {
			return nil, err
		}
		return MeChangedUsername{Me: me}, nil

	case KindOtherChangedUsername:
		var u User
		if err := decodeData(f.Type, body.Data, &u); err != nil {
			return nil, err
		}
		return OtherChangedUsername{User: u}, nil

	case KindMeJoinedChat:
		var p roomPayload
		if err := decodeData(f.Type, body.Data, &p); err != nil {
			return nil, err
		}
		ev := MeJoinedChat{Room: p.Room, Users: p.Users, Notice: body.Message}
		if p.Messages != nil {
			ev.Messages = *p.Messages
		}
		return ev, nil

	case KindOtherJoinedChat:
		var u User
		if err := decodeData(f.Type, body.Data, &u); err != nil {
			return nil, err
		}
		return OtherJoinedChat{User: u}, nil

	case KindMeLeftChat:
		return MeLeftChat{Notice: body.Message}, nil

	case KindOtherLeftChat:
		var u User
		if err := decodeData(f.Type, body.Data, &u); err != nil {
			return nil, err
		}
		return OtherLeftChat{User: u}, nil

	case KindMeMessageSend:
		var m Message
		if err := decodeData(f.Type, body.Data, &m); err != nil {
			return nil, err
		}
		return MeMessageSend{Message: m}, nil

	case KindOtherMessageSend:
		var m Message
		if err := decodeData(f.Type, body.Data, &m); err != nil {
			return nil, err
		}
		return OtherMessageSend{Message: m}, nil

	case KindOldMessages:
		var p roomPayload
		if err := decodeOptional(f.Type, body.Data, &p); err != nil {
			return nil, err
		}
		if p.Messages == nil {
			return OldMessages{Room: p.Room, Exhausted: true}, nil
		}
		return OldMessages{Room: p.Room, Messages: *p.Messages}, nil

	default:
		return Unknown{Type: f.Type, Raw: json.RawMessage(data)}, nil
	}
}

// EncodeFrame builds an inbound frame. It is the server side of DecodeEvent.
func EncodeFrame(kind EventKind, data any, message string) ([]byte, error) {
	f := Frame{Type: kind}
	if data != nil || message != "" {
		f.Body = &FrameBody{Message: message}
		if data != nil {
			raw, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s data: %w", kind, err)
			}
			f.Body.Data = raw
		}
	}
	return json.Marshal(f)
}

// EncodeError builds an ERROR frame.
func EncodeError(message string) ([]byte, error) {
	raw, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: KindError, Error: raw})
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeData requires the frame to carry data.
func decodeData(kind EventKind, raw json.RawMessage, v any) error {
	if isNull(raw) {
		return fmt.Errorf("%w: %s without data", ErrMalformedFrame, kind)
	}
	return decodeOptional(kind, raw, v)
}

func decodeOptional(kind EventKind, raw json.RawMessage, v any) error {
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, kind, err)
	}
	return nil
}

// decodeChangedUser accepts the user either directly as data or wrapped as
// data.user; servers have sent both shapes.
func decodeChangedUser(kind EventKind, raw json.RawMessage) (User, error) {
	var wrapped struct {
		User *User `json:"user"`
	}
	if err := decodeData(kind, raw, &wrapped); err != nil {
		return User{}, err
	}
	if wrapped.User != nil {
		return *wrapped.User, nil
	}
	var u User
	if err := decodeData(kind, raw, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func errorMessage(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return string(raw)
}
