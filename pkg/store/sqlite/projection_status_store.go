package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/bizsuite/pkg/store"
)

var _ store.ProjectionStatusStore = (*ProjectionStatusStore)(nil)

// ProjectionStatusStore is a SQLite implementation of store.ProjectionStatusStore.
type ProjectionStatusStore struct {
	db *sql.DB
}

// NewProjectionStatusStore returns a status store on db and applies the read
// side migrations.
func NewProjectionStatusStore(ctx context.Context, db *sql.DB) (*ProjectionStatusStore, error) {
	if _, err := MigrateReadSide(ctx, db); err != nil {
		return nil, err
	}
	return &ProjectionStatusStore{db: db}, nil
}

// Save upserts the projection state.
func (s *ProjectionStatusStore) Save(ctx context.Context, state *store.ProjectionState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, events_processed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			events_processed = excluded.events_processed,
			updated_at = excluded.updated_at`,
		state.ProjectionName, string(state.Status), state.Message, state.EventsProcessed, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save projection status %s: %w", state.ProjectionName, err)
	}
	return nil
}

// Load returns the stored state, or nil if the projection never reported one.
func (s *ProjectionStatusStore) Load(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	var (
		state     = store.ProjectionState{ProjectionName: projectionName}
		status    string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, message, events_processed, updated_at
		FROM projection_status
		WHERE projection_name = ?`,
		projectionName,
	).Scan(&status, &state.Message, &state.EventsProcessed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load projection status %s: %w", projectionName, err)
	}
	state.Status = store.ProjectionStatus(status)
	state.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &state, nil
}
