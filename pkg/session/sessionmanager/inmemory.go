package sessionmanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session"
	"github.com/itkodovaya/constructorAI-sub002/pkg/transport"
)

// roomState bundles everything scoped to one room behind a single mutex:
// membership, presence and the advisory lock table. Two racing lock
// requests for the same element are serialized here, and a fan-out
// membership read taken under the same mutex never sees a just-removed
// participant.
type roomState struct {
	mu       sync.Mutex
	id       string
	members  map[uuid.UUID]*session.Connection
	presence map[string]*session.Presence
	locks    map[string]string // elementID -> owner userID
}

func newRoomState(id string) *roomState {
	return &roomState{
		id:       id,
		members:  make(map[uuid.UUID]*session.Connection),
		presence: make(map[string]*session.Presence),
		locks:    make(map[string]string),
	}
}

type InMemoryManager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*session.Connection
	rooms map[string]*roomState

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*session.Connection),
		rooms:  make(map[string]*roomState),
		logger: logger.With(slog.String("component", "session_manager")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ session.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*session.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &session.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (*session.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		return nil, false
	}
	delete(m.conns, connID)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return conn, true
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*session.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AssociateIdentity(connID uuid.UUID, userID, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot associate identity with unknown connection")
	}
	conn.UserID = userID
	conn.UserName = userName
	m.logger.Debug("Associated identity with connection",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return nil
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if conn.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*session.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *session.Connection
	for _, conn := range m.conns {
		if conn.UserID != userID {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) AllConnections() []*session.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*session.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Room Membership ---

func (m *InMemoryManager) Join(roomID string, connID uuid.UUID, userID, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not registered")
	}

	// A verified identity set at handshake time wins over whatever the
	// join envelope claims.
	if conn.UserID == "" {
		conn.UserID = userID
	}
	if conn.UserName == "" {
		conn.UserName = userName
	}

	// A connection views one project at a time; switching rooms implies
	// leaving the previous one. This drops membership only — the router
	// sweeps the old room's presence and locks (with announcements)
	// before re-pointing a connection, the same way the lock table stays
	// free of transport awareness.
	if conn.RoomID != "" && conn.RoomID != roomID {
		m.leaveLocked(conn.RoomID, connID)
	}
	conn.RoomID = roomID

	room, exists := m.rooms[roomID]
	if !exists {
		room = newRoomState(roomID)
		m.rooms[roomID] = room
		m.logger.Debug("Created room", slog.String("roomID", roomID))
	}

	room.mu.Lock()
	room.members[connID] = conn
	room.mu.Unlock()

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("userID", conn.UserID),
		slog.String("roomID", roomID),
	)
	return nil
}

func (m *InMemoryManager) Leave(roomID string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(roomID, connID)
}

// leaveLocked requires m.mu to be held.
func (m *InMemoryManager) leaveLocked(roomID string, connID uuid.UUID) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.members, connID)
	empty := len(room.members) == 0
	room.mu.Unlock()

	if conn, ok := m.conns[connID]; ok && conn.RoomID == roomID {
		conn.RoomID = ""
	}

	// For memory hygiene, remove the room once it's empty. A rejoin
	// recreates it from scratch.
	if empty {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

func (m *InMemoryManager) MembersOf(roomID string) []*session.Connection {
	room, ok := m.room(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]*session.Connection, 0, len(room.members))
	for _, c := range room.members {
		members = append(members, c)
	}
	return members
}

// --- Presence ---

func (m *InMemoryManager) UpdatePresence(roomID, userID string, update session.PresenceUpdate) {
	room, ok := m.room(roomID)
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	rec, ok := room.presence[userID]
	if !ok {
		rec = &session.Presence{UserID: userID}
		room.presence[userID] = rec
	}
	if update.UserName != nil {
		rec.UserName = *update.UserName
	}
	if update.Cursor != nil {
		rec.Cursor = *update.Cursor
	}
	if update.ActiveElementID != nil {
		rec.ActiveElementID = *update.ActiveElementID
	}
	rec.UpdatedAt = time.Now()
}

func (m *InMemoryManager) RemovePresence(roomID, userID string) {
	room, ok := m.room(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.presence, userID)
	room.mu.Unlock()
}

func (m *InMemoryManager) PresenceSnapshot(roomID string) []session.Presence {
	room, ok := m.room(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]session.Presence, 0, len(room.presence))
	for _, rec := range room.presence {
		out = append(out, *rec)
	}
	return out
}

// --- Advisory Locks ---

func (m *InMemoryManager) AcquireLock(roomID, elementID, userID string) error {
	room, ok := m.room(roomID)
	if !ok {
		return errors.New("cannot lock element: room not found")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if owner, held := room.locks[elementID]; held && owner != userID {
		return session.ErrLockHeld
	}
	// Fresh acquire or idempotent re-acquire by the same owner.
	room.locks[elementID] = userID
	m.logger.Debug("Element locked",
		slog.String("roomID", roomID),
		slog.String("elementID", elementID),
		slog.String("userID", userID),
	)
	return nil
}

func (m *InMemoryManager) ReleaseLock(roomID, elementID, userID string) error {
	room, ok := m.room(roomID)
	if !ok {
		return session.ErrNotLockOwner
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	owner, held := room.locks[elementID]
	if !held || owner != userID {
		return session.ErrNotLockOwner
	}
	delete(room.locks, elementID)
	m.logger.Debug("Element unlocked",
		slog.String("roomID", roomID),
		slog.String("elementID", elementID),
		slog.String("userID", userID),
	)
	return nil
}

func (m *InMemoryManager) ReleaseAllLocks(roomID, userID string) []string {
	room, ok := m.room(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	var released []string
	for elementID, owner := range room.locks {
		if owner == userID {
			delete(room.locks, elementID)
			released = append(released, elementID)
		}
	}
	if len(released) > 0 {
		m.logger.Debug("Released all locks for user",
			slog.String("roomID", roomID),
			slog.String("userID", userID),
			slog.Int("count", len(released)),
		)
	}
	return released
}

func (m *InMemoryManager) LockOwner(roomID, elementID string) (string, bool) {
	room, ok := m.room(roomID)
	if !ok {
		return "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	owner, held := room.locks[elementID]
	return owner, held
}

func (m *InMemoryManager) room(roomID string) (*roomState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}
