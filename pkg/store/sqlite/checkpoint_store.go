package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/bizsuite/pkg/store"
)

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is a SQLite implementation of store.CheckpointStore.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore returns a checkpoint store on db and applies the read
// side migrations.
func NewCheckpointStore(ctx context.Context, db *sql.DB) (*CheckpointStore, error) {
	if _, err := MigrateReadSide(ctx, db); err != nil {
		return nil, err
	}
	return &CheckpointStore{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save saves a checkpoint. An older position never overwrites a newer one.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	return saveCheckpoint(ctx, s.db, checkpoint)
}

// SaveInTx saves a checkpoint within the caller's transaction, so the read
// model update and the checkpoint commit together.
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *store.ProjectionCheckpoint) error {
	return saveCheckpoint(ctx, tx, checkpoint)
}

func saveCheckpoint(ctx context.Context, db execer, checkpoint *store.ProjectionCheckpoint) error {
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
		WHERE excluded.position >= projection_checkpoints.position`,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", checkpoint.ProjectionName, err)
	}
	return nil
}

// Load loads a checkpoint for a projection.
// Returns a zero-position checkpoint if none was saved yet.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint = store.ProjectionCheckpoint{ProjectionName: projectionName}
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, last_event_id, updated_at
		FROM projection_checkpoints
		WHERE projection_name = ?`,
		projectionName,
	).Scan(&checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &checkpoint, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", projectionName, err)
	}
	checkpoint.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &checkpoint, nil
}

// Delete deletes a checkpoint (for rebuilding).
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	return deleteCheckpoint(ctx, s.db, projectionName)
}

// DeleteInTx deletes a checkpoint within the caller's transaction.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error {
	return deleteCheckpoint(ctx, tx, projectionName)
}

func deleteCheckpoint(ctx context.Context, db execer, projectionName string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", projectionName, err)
	}
	return nil
}
