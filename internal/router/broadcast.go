package router

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/itkodovaya/constructorAI-sub002/pkg/session"
)

// Broadcaster fans one envelope out to a room. The in-process
// implementation below walks live members; a multi-process deployment
// would substitute a pub/sub backed implementation here without touching
// the stores.
type Broadcaster interface {
	// Broadcast sends env to every member of roomID except the connection
	// identified by exclude. Pass uuid.Nil to reach everyone.
	Broadcast(roomID string, exclude uuid.UUID, env *Envelope)
}

// noExclusion addresses a broadcast to every member of the room.
var noExclusion = uuid.Nil

type roomBroadcaster struct {
	logger   *slog.Logger
	sessions session.Manager
}

func NewRoomBroadcaster(logger *slog.Logger, sessions session.Manager) Broadcaster {
	return &roomBroadcaster{
		logger:   logger.With(slog.String("component", "room_broadcaster")),
		sessions: sessions,
	}
}

func (b *roomBroadcaster) Broadcast(roomID string, exclude uuid.UUID, env *Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal broadcast envelope", slog.Any("error", err))
		return
	}
	for _, member := range b.sessions.MembersOf(roomID) {
		if member.ID == exclude {
			continue
		}
		member.Transport.Send(msg)
	}
}
