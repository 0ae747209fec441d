package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/itkodovaya/constructorAI-sub002/internal/project"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session"
	"github.com/tidwall/gjson"
)

func (r *Router) handleJoin(ctx context.Context, conn *session.Connection, env *Envelope) {
	if env.RoomID == "" || env.UserID == "" {
		r.replyError(conn, env.RoomID, CodeBadRequest, "", "join requires roomId and userId")
		return
	}

	if err := r.projects.Authorize(ctx, env.RoomID, env.UserID); err != nil {
		if !errors.Is(err, project.ErrNotAuthorized) {
			r.logger.Error("Project authorization lookup failed", slog.Any("error", err))
		}
		r.replyError(conn, env.RoomID, CodeNotAuthorized, "", "not authorized for this project")
		// Policy: an unauthorized join terminates the connection. The
		// rejection above is best-effort; it may race the close.
		conn.Transport.Close(project.ErrNotAuthorized)
		return
	}

	// Switching projects abandons the old room; sweep it exactly like a
	// disconnect so no lock or presence is stranded there.
	if conn.RoomID != "" && conn.RoomID != env.RoomID {
		r.leaveAndAnnounce(conn.ID, conn.RoomID, conn.UserID, conn.UserName)
	}

	if err := r.sessions.Join(env.RoomID, conn.ID, env.UserID, env.UserName); err != nil {
		r.logger.Error("Failed to join room", slog.Any("error", err))
		return
	}

	name := env.UserName
	r.sessions.UpdatePresence(env.RoomID, env.UserID, session.PresenceUpdate{
		UserName: &name,
		Cursor:   &session.Cursor{},
	})

	r.broadcaster.Broadcast(env.RoomID, conn.ID, &Envelope{
		Type:      TypeUserJoined,
		RoomID:    env.RoomID,
		UserID:    env.UserID,
		UserName:  env.UserName,
		Timestamp: env.Timestamp,
	})
}

func (r *Router) handleCursor(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	cursor := session.Cursor{
		X: gjson.GetBytes(env.Data, "x").Float(),
		Y: gjson.GetBytes(env.Data, "y").Float(),
	}
	r.sessions.UpdatePresence(roomID, env.UserID, session.PresenceUpdate{Cursor: &cursor})

	env.RoomID = roomID
	r.broadcaster.Broadcast(roomID, conn.ID, env)
}

func (r *Router) handleFocus(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	elementID := gjson.GetBytes(env.Data, "elementId").String()
	r.sessions.UpdatePresence(roomID, env.UserID, session.PresenceUpdate{ActiveElementID: &elementID})

	env.RoomID = roomID
	r.broadcaster.Broadcast(roomID, conn.ID, env)
}

// handleEdit relays an element mutation after implicitly acquiring the
// element's lock. All operation kinds, delete included, go through the
// same acquire-or-reject path as an explicit lock request.
func (r *Router) handleEdit(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	elementID := gjson.GetBytes(env.Data, "elementId").String()
	if elementID == "" {
		r.replyError(conn, roomID, CodeBadRequest, "", "edit requires data.elementId")
		return
	}

	if err := r.sessions.AcquireLock(roomID, elementID, env.UserID); err != nil {
		r.replyError(conn, roomID, CodeLockConflict, elementID, "element is being edited by another user")
		return
	}

	// Relay the payload verbatim; the server takes no view of its shape.
	env.RoomID = roomID
	r.broadcaster.Broadcast(roomID, conn.ID, env)
}

func (r *Router) handleLock(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	elementID := gjson.GetBytes(env.Data, "elementId").String()
	if elementID == "" {
		r.replyError(conn, roomID, CodeBadRequest, "", "lock requires data.elementId")
		return
	}

	if err := r.sessions.AcquireLock(roomID, elementID, env.UserID); err != nil {
		r.replyError(conn, roomID, CodeLockConflict, elementID, "element is already locked")
		return
	}

	env.RoomID = roomID
	r.broadcaster.Broadcast(roomID, conn.ID, env)
}

func (r *Router) handleUnlock(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	elementID := gjson.GetBytes(env.Data, "elementId").String()
	if elementID == "" {
		return
	}

	// Only the owner may release; anything else is ignored outright.
	if err := r.sessions.ReleaseLock(roomID, elementID, env.UserID); err != nil {
		r.logger.Debug("Ignoring unlock from non-owner",
			slog.String("elementID", elementID),
			slog.String("userID", env.UserID),
		)
		return
	}

	env.RoomID = roomID
	r.broadcaster.Broadcast(roomID, conn.ID, env)
}

// handlePresence answers a roster refresh with the room's full presence
// snapshot, delivered to everyone including the requester.
func (r *Router) handlePresence(conn *session.Connection, env *Envelope) {
	roomID, ok := r.roomFor(conn, env)
	if !ok {
		return
	}
	roster := r.sessions.PresenceSnapshot(roomID)
	data, err := json.Marshal(rosterData{Users: roster})
	if err != nil {
		r.logger.Error("Failed to marshal presence roster", slog.Any("error", err))
		return
	}

	r.broadcaster.Broadcast(roomID, noExclusion, &Envelope{
		Type:      TypePresence,
		RoomID:    roomID,
		Data:      data,
		Timestamp: env.Timestamp,
	})
}

// roomFor resolves the room a connection's messages are scoped to. A
// connection that never joined has no broadcast scope; its messages are
// dropped, not answered.
func (r *Router) roomFor(conn *session.Connection, env *Envelope) (string, bool) {
	if conn.RoomID == "" {
		r.logger.Warn("Dropping message from connection outside any room",
			slog.String("type", env.Type),
			slog.String("connID", conn.ID.String()),
		)
		return "", false
	}
	return conn.RoomID, true
}
