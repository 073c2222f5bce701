package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/bizsuite/pkg/store"
)

var _ store.InboxStore = (*InboxStore)(nil)

// InboxStore records integration event ids a receiver has applied.
type InboxStore struct {
	db *sql.DB
}

// NewInboxStore returns an inbox store on db and applies the read side
// migrations.
func NewInboxStore(ctx context.Context, db *sql.DB) (*InboxStore, error) {
	if _, err := MigrateReadSide(ctx, db); err != nil {
		return nil, err
	}
	return &InboxStore{db: db}, nil
}

// Processed reports whether eventID was already recorded.
func (s *InboxStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM integration_inbox WHERE event_id = ?)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check inbox for %s: %w", eventID, err)
	}
	return exists, nil
}

// MarkProcessed records eventID and reports whether it was new.
func (s *InboxStore) MarkProcessed(ctx context.Context, eventID, eventName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_inbox (event_id, event_name, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventName, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record inbox entry %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
