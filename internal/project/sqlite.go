package project

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore reads project ownership and membership from the project data
// service's sqlite database. All access is read-only; the core never writes
// project documents.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open project database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping project database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With(slog.String("component", "project_store")),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Authorizer = (*SQLiteStore)(nil)

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL REFERENCES projects(id),
		user_id TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure project schema: %w", err)
	}
	return nil
}

// Authorize admits the project owner and any listed member. An unknown
// project denies the join: rooms only exist for real projects.
func (s *SQLiteStore) Authorize(ctx context.Context, projectID, userID string) error {
	var ownerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM projects WHERE id = ?`, projectID,
	).Scan(&ownerID)
	if err == sql.ErrNoRows {
		s.logger.Warn("Join refused for unknown project", slog.String("projectID", projectID))
		return ErrNotAuthorized
	}
	if err != nil {
		return fmt.Errorf("failed to look up project: %w", err)
	}
	if ownerID == userID {
		return nil
	}

	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to look up project membership: %w", err)
	}
	if n == 0 {
		s.logger.Warn("Join refused for non-member",
			slog.String("projectID", projectID),
			slog.String("userID", userID),
		)
		return ErrNotAuthorized
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
