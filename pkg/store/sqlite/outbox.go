package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/bizsuite/pkg/store"
)

var _ store.OutboxStore = (*OutboxStore)(nil)

// OutboxStore reads and updates the event_outbox rows written by
// EventStore.Append. It must use the same database as the event store.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore returns an outbox store on db.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Outbox returns the outbox store that shares this event store's database.
func (s *EventStore) Outbox() *OutboxStore {
	return NewOutboxStore(s.db)
}

// ClaimDue leases due rows by moving them to processing until now+lease.
// A row whose lease expired is due again, so a crashed relay never strands
// work. A row is skipped while an earlier row of the same aggregate is still
// in the outbox, including a dead one: that aggregate stays blocked until the
// dead row is requeued.
func (o *OutboxStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowNanos := now.UnixNano()
	rows, err := tx.QueryContext(ctx, `
		SELECT `+outboxEntryColumns+`
		FROM event_outbox o
		JOIN events e ON e.position = o.position
		WHERE (
			(o.status IN ('pending', 'failed') AND o.next_attempt_at <= ?)
			OR (o.status = 'processing' AND o.lease_expires_at <= ?)
		)
		AND NOT EXISTS (
			SELECT 1 FROM event_outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.position < o.position
		)
		ORDER BY o.position ASC
		LIMIT ?`,
		nowNanos, nowNanos, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select due outbox rows: %w", err)
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease).UnixNano()
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			UPDATE event_outbox
			SET status = 'processing', lease_expires_at = ?, updated_at = ?
			WHERE position = ?`,
			leaseUntil, nowNanos, entry.Event.Position,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lease outbox row %d: %w", entry.Event.Position, err)
		}
		entry.Status = store.OutboxProcessing
		entry.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return entries, nil
}

// Complete removes a dispatched row.
func (o *OutboxStore) Complete(ctx context.Context, position int64) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM event_outbox WHERE position = ?`, position); err != nil {
		return fmt.Errorf("failed to complete outbox row %d: %w", position, err)
	}
	return nil
}

// Retry records a failed attempt on a leased row.
func (o *OutboxStore) Retry(ctx context.Context, position int64, attempt int, nextAttemptAt time.Time, lastErr string, dead bool) error {
	status := store.OutboxFailed
	if dead {
		status = store.OutboxDead
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?,
			lease_expires_at = NULL, updated_at = ?
		WHERE position = ? AND status = 'processing'`,
		string(status), attempt, nextAttemptAt.UnixNano(), lastErr, time.Now().UnixNano(), position,
	)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt %d: %w", position, err)
	}
	return nil
}

// Summary counts rows by status.
func (o *OutboxStore) Summary(ctx context.Context) (store.OutboxSummary, error) {
	var summary store.OutboxSummary

	rows, err := o.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("failed to summarize outbox: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("failed to scan outbox summary: %w", err)
		}
		switch store.OutboxStatus(status) {
		case store.OutboxPending:
			summary.Pending = count
		case store.OutboxProcessing:
			summary.Processing = count
		case store.OutboxFailed:
			summary.Failed = count
		case store.OutboxDead:
			summary.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	var oldest sql.NullInt64
	err = o.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM event_outbox WHERE status IN ('pending', 'failed')`,
	).Scan(&oldest)
	if err != nil {
		return summary, fmt.Errorf("failed to read oldest outbox row: %w", err)
	}
	if oldest.Valid {
		at := time.Unix(0, oldest.Int64).UTC()
		summary.OldestDueAt = &at
	}
	return summary, nil
}

// ListDead returns dead rows in position order.
func (o *OutboxStore) ListDead(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT `+outboxEntryColumns+`
		FROM event_outbox o
		JOIN events e ON e.position = o.position
		WHERE o.status = 'dead'
		ORDER BY o.position ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead outbox rows: %w", err)
	}
	return scanOutboxEntries(rows)
}

// Requeue makes a dead or failed row due at now with a fresh attempt count.
func (o *OutboxStore) Requeue(ctx context.Context, position int64, now time.Time) (bool, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '',
			lease_expires_at = NULL, updated_at = ?
		WHERE position = ? AND status IN ('dead', 'failed')`,
		now.UnixNano(), now.UnixNano(), position,
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue outbox row %d: %w", position, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueDead requeues up to limit dead rows, oldest first.
func (o *OutboxStore) RequeueDead(ctx context.Context, limit int, now time.Time) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := o.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '',
			lease_expires_at = NULL, updated_at = ?
		WHERE position IN (
			SELECT position FROM event_outbox WHERE status = 'dead' ORDER BY position ASC LIMIT ?
		)`,
		now.UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead outbox rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

var outboxEntryColumns = strings.Join([]string{
	"e.aggregate_id", "e.version", "e.position", "e.event_id", "e.aggregate_type",
	"e.event_type", "e.data", "e.metadata", "e.occurred_at",
	"o.status", "o.attempt_count", "o.next_attempt_at", "o.last_error", "o.updated_at",
}, ", ")

func scanOutboxEntries(rows *sql.Rows) ([]*store.OutboxEntry, error) {
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		var (
			entry         store.OutboxEntry
			status        string
			nextAttemptAt int64
			updatedAt     int64
		)
		event, err := scanEvent(outboxRow{rows: rows, tail: []any{
			&status, &entry.AttemptCount, &nextAttemptAt, &entry.LastError, &updatedAt,
		}})
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entry.Event = event
		entry.Status = store.OutboxStatus(status)
		entry.NextAttemptAt = time.Unix(0, nextAttemptAt).UTC()
		entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return entries, nil
}

// outboxRow lets scanEvent read the event columns of a joined row while
// the outbox columns land in tail.
type outboxRow struct {
	rows *sql.Rows
	tail []any
}

func (r outboxRow) Scan(dest ...any) error {
	return r.rows.Scan(append(dest, r.tail...)...)
}
