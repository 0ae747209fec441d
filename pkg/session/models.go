package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/itkodovaya/constructorAI-sub002/pkg/transport"
)

// Connection is the registry's view of a single transport-layer connection.
// UserID, UserName and RoomID are filled in as the client identifies itself
// and joins a room; they are what the disconnect sweep keys off.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	UserID    string
	UserName  string
	RoomID    string
	CreatedAt time.Time
}

// Cursor is the last reported pointer position, in the client's own
// coordinate space. The server relays it verbatim, no clamping.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is one user's ephemeral UI state within a room. Last write wins;
// no history is kept.
type Presence struct {
	UserID          string    `json:"userId"`
	UserName        string    `json:"userName"`
	Cursor          Cursor    `json:"cursor"`
	ActiveElementID string    `json:"activeElementId,omitempty"`
	UpdatedAt       time.Time `json:"-"`
}

// PresenceUpdate is a partial presence record. Nil fields are left
// untouched by an upsert.
type PresenceUpdate struct {
	UserName        *string
	Cursor          *Cursor
	ActiveElementID *string
}
