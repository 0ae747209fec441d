package project

import (
	"context"
	"errors"
)

// ErrNotAuthorized is returned when a user may not join a project's
// collaboration room.
var ErrNotAuthorized = errors.New("user is not authorized for this project")

// Authorizer answers whether a user may join the collaboration room of a
// project. The real-time core never verifies identity or ownership itself;
// it defers to the project data service through this interface.
type Authorizer interface {
	Authorize(ctx context.Context, projectID, userID string) error
}

// AllowAll admits every join. Used when no project database is configured,
// e.g. in development.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, projectID, userID string) error {
	return nil
}
