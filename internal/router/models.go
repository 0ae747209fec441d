package router

import "encoding/json"

// Envelope is the wire frame for every inbound and outbound message.
// Timestamp is stamped by the server; values supplied by clients are
// overwritten before relay.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Inbound message types.
const (
	TypeJoin     = "join"
	TypeCursor   = "cursor"
	TypeFocus    = "focus"
	TypeEdit     = "edit"
	TypeLock     = "lock"
	TypeUnlock   = "unlock"
	TypePresence = "presence"
)

// Server-originated announcement types.
const (
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeError      = "error"
)

// Rejection codes carried in an error envelope's data.
const (
	CodeLockConflict  = "lock_conflict"
	CodeNotAuthorized = "not_authorized"
	CodeBadRequest    = "bad_request"
)

const defaultUserName = "Unknown"

type errorData struct {
	Code      string `json:"code"`
	ElementID string `json:"elementId,omitempty"`
	Message   string `json:"message,omitempty"`
}

type elementData struct {
	ElementID string `json:"elementId"`
}

type rosterData struct {
	Users any `json:"users"`
}
