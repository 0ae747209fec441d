package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/itkodovaya/constructorAI-sub002/internal/project"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session"
)

// Router decodes inbound envelopes, dispatches them to the matching
// handler and fans announcements out to the sender's room. A bad envelope
// never closes a connection or escapes as a fault; the worst a client can
// get back is an error envelope addressed only to itself.
type Router struct {
	logger      *slog.Logger
	sessions    session.Manager
	projects    project.Authorizer
	broadcaster Broadcaster
}

func New(logger *slog.Logger, sessions session.Manager, projects project.Authorizer, broadcaster Broadcaster) *Router {
	return &Router{
		logger:      logger.With(slog.String("component", "message_router")),
		sessions:    sessions,
		projects:    projects,
		broadcaster: broadcaster,
	}
}

func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("Dropping malformed envelope", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	conn, ok := r.sessions.GetConnection(connID)
	if !ok {
		r.logger.Warn("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	// Server-stamped time; the client's value is not trusted.
	env.Timestamp = time.Now().UnixMilli()

	// Session-scoped trust: once an identity is attached to the
	// connection, envelope-supplied values are ignored.
	if conn.UserID != "" {
		env.UserID = conn.UserID
	}
	if conn.UserName != "" {
		env.UserName = conn.UserName
	}
	if env.UserName == "" {
		env.UserName = defaultUserName
	}

	switch env.Type {
	case TypeJoin:
		r.handleJoin(ctx, conn, &env)
	case TypeCursor:
		r.handleCursor(conn, &env)
	case TypeFocus:
		r.handleFocus(conn, &env)
	case TypeEdit:
		r.handleEdit(conn, &env)
	case TypeLock:
		r.handleLock(conn, &env)
	case TypeUnlock:
		r.handleUnlock(conn, &env)
	case TypePresence:
		r.handlePresence(conn, &env)
	default:
		r.logger.Warn("Ignoring unknown message type",
			slog.String("type", env.Type),
			slog.String("connID", connID.String()),
		)
	}
}

// HandleDisconnect reconciles all room state after a transport closes:
// membership, presence, every lock the user still held, and a departure
// announcement. Each step is a no-op on missing state, so the sequence
// always runs to completion.
func (r *Router) HandleDisconnect(connID uuid.UUID, cause error) {
	conn, ok := r.sessions.DeregisterConnection(connID)
	if !ok {
		return
	}
	roomID, userID := conn.RoomID, conn.UserID
	if roomID == "" {
		return
	}

	r.logger.Debug("Reconciling disconnected client",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.String("roomID", roomID),
		slog.Any("cause", cause),
	)

	r.leaveAndAnnounce(connID, roomID, userID, conn.UserName)
}

// leaveAndAnnounce sweeps one room clean of a departing participant:
// membership, presence, every lock they still held (each broadcasting an
// unlock), then a departure announcement to whoever remains. Used both
// when the transport closes and when a connection switches rooms, so a
// switch can never strand locks or presence in the abandoned room.
func (r *Router) leaveAndAnnounce(connID uuid.UUID, roomID, userID, userName string) {
	r.sessions.Leave(roomID, connID)
	r.sessions.RemovePresence(roomID, userID)

	now := time.Now().UnixMilli()
	for _, elementID := range r.sessions.ReleaseAllLocks(roomID, userID) {
		data, _ := json.Marshal(elementData{ElementID: elementID})
		r.broadcaster.Broadcast(roomID, connID, &Envelope{
			Type:      TypeUnlock,
			RoomID:    roomID,
			UserID:    userID,
			UserName:  userName,
			Data:      data,
			Timestamp: now,
		})
	}

	r.broadcaster.Broadcast(roomID, connID, &Envelope{
		Type:      TypeUserLeft,
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Timestamp: now,
	})
}

// replyError sends a protocol-level rejection to one connection only.
func (r *Router) replyError(conn *session.Connection, roomID, code, elementID, message string) {
	data, err := json.Marshal(errorData{Code: code, ElementID: elementID, Message: message})
	if err != nil {
		return
	}
	env := Envelope{
		Type:      TypeError,
		RoomID:    roomID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	msg, err := json.Marshal(&env)
	if err != nil {
		return
	}
	conn.Transport.Send(msg)
}
