package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestKind identifies an outbound frame.
type RequestKind int

const (
	RequestGetRooms RequestKind = iota
	RequestChangeUsername
	RequestJoinChat
	RequestLeftChat
	RequestSendMessage
	RequestGetOldMessages
)

// String returns the string representation of RequestKind
func (k RequestKind) String() string {
	switch k {
	case RequestGetRooms:
		return "GET_ROOMS"
	case RequestChangeUsername:
		return "CHANGE_USERNAME"
	case RequestJoinChat:
		return "JOIN_CHAT"
	case RequestLeftChat:
		return "LEFT_CHAT"
	case RequestSendMessage:
		return "SEND_MESSAGE"
	case RequestGetOldMessages:
		return "GET_OLD_MESSAGES"
	default:
		return "UNKNOWN"
	}
}

// Request is an outbound frame: {"type": <int>, "body"?: {...}}.
type Request struct {
	Type RequestKind `json:"type"`
	Body any         `json:"body,omitempty"`
}

// ChangeUsernameBody is the body of a CHANGE_USERNAME request.
type ChangeUsernameBody struct {
	Username string `json:"username"`
}

// RoomBody is the body of JOIN_CHAT and LEFT_CHAT requests.
type RoomBody struct {
	RoomID string `json:"roomId"`
}

// SendMessageBody is the body of a SEND_MESSAGE request.
type SendMessageBody struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
}

// OldMessagesBody is the body of a GET_OLD_MESSAGES request.
type OldMessagesBody struct {
	RoomID      string `json:"roomId"`
	OldestMsgID string `json:"oldestMsgId"`
}

// GetRooms builds a GET_ROOMS request.
func GetRooms() Request {
	return Request{Type: RequestGetRooms}
}

// ChangeUsername builds a CHANGE_USERNAME request.
func ChangeUsername(username string) Request {
	return Request{Type: RequestChangeUsername, Body: ChangeUsernameBody{Username: username}}
}

// JoinChat builds a JOIN_CHAT request.
func JoinChat(roomID string) Request {
	return Request{Type: RequestJoinChat, Body: RoomBody{RoomID: roomID}}
}

// LeftChat builds a LEFT_CHAT request.
func LeftChat(roomID string) Request {
	return Request{Type: RequestLeftChat, Body: RoomBody{RoomID: roomID}}
}

// SendMessage builds a SEND_MESSAGE request.
func SendMessage(text, roomID string) Request {
	return Request{Type: RequestSendMessage, Body: SendMessageBody{Message: text, RoomID: roomID}}
}

// GetOldMessages builds a GET_OLD_MESSAGES request for the page preceding
// oldestMsgID.
func GetOldMessages(roomID, oldestMsgID string) Request {
	return Request{Type: RequestGetOldMessages, Body: OldMessagesBody{RoomID: roomID, OldestMsgID: oldestMsgID}}
}

// Encode encodes the request into a JSON frame
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", r.Type, err)
	}
	return data, nil
}

// DecodeRequest decodes an outbound frame. The body is left as raw JSON so
// the caller can pick the matching body type.
func DecodeRequest(data []byte) (RequestKind, json.RawMessage, error) {
	var raw struct {
		Type RequestKind     `json:"type"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return raw.Type, raw.Body, nil
}
