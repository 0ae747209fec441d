package session

import (
	"github.com/google/uuid"
	"github.com/itkodovaya/constructorAI-sub002/pkg/transport"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	// DeregisterConnection removes the connection and returns its last
	// known record so the caller can reconcile room state. Idempotent.
	DeregisterConnection(connID uuid.UUID) (*Connection, bool)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	// AssociateIdentity pins a verified identity to a connection before
	// any envelope is processed. Later joins cannot override it.
	AssociateIdentity(connID uuid.UUID, userID, userName string) error
	FindOldestUserConnection(userID string) (*Connection, bool)
	GetUserConnectionCount(userID string) (int, error)
	AllConnections() []*Connection

	// --- Room Membership ---
	// Join adds a connection to a room, creating the room if it doesn't
	// exist. Idempotent per connection.
	Join(roomID string, connID uuid.UUID, userID, userName string) error
	// Leave removes membership; a no-op for unknown rooms or non-members.
	Leave(roomID string, connID uuid.UUID)
	// MembersOf returns the room's live connections at call time.
	MembersOf(roomID string) []*Connection

	// --- Presence ---
	UpdatePresence(roomID, userID string, update PresenceUpdate)
	RemovePresence(roomID, userID string)
	PresenceSnapshot(roomID string) []Presence

	// --- Advisory Locks ---
	// AcquireLock takes or re-takes the element lock for userID. Every
	// mutating edit operation goes through this path, deletes included.
	AcquireLock(roomID, elementID, userID string) error
	ReleaseLock(roomID, elementID, userID string) error
	// ReleaseAllLocks frees every element owned by userID in the room and
	// returns the freed element ids.
	ReleaseAllLocks(roomID, userID string) []string
	LockOwner(roomID, elementID string) (string, bool)
}
