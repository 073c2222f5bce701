package store

import (
	"context"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxEntry is one event waiting to be dispatched.
type OutboxEntry struct {
	Event         *domain.Event
	Status        OutboxStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// OutboxSummary counts outbox rows by status.
type OutboxSummary struct {
	Pending    int
	Processing int
	Failed     int
	Dead       int

	// OldestDueAt is the earliest next attempt among pending and failed rows.
	OldestDueAt *time.Time
}

// OutboxStore is the durable queue written in the same transaction as the
// events it refers to.
type OutboxStore interface {
	// ClaimDue leases up to limit due entries. An entry is only claimable when
	// no earlier entry of the same aggregate is still in the outbox, so at most
	// one entry per aggregate is returned and stream order is preserved.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*OutboxEntry, error)

	// Complete removes a dispatched entry.
	Complete(ctx context.Context, position int64) error

	// Retry records a failed attempt. The entry becomes due again at
	// nextAttemptAt, or moves to dead when dead is true.
	Retry(ctx context.Context, position int64, attempt int, nextAttemptAt time.Time, lastErr string, dead bool) error

	// Summary counts entries by status.
	Summary(ctx context.Context) (OutboxSummary, error)

	// ListDead returns dead entries in position order.
	ListDead(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// Requeue makes a dead or failed entry due immediately with a fresh attempt count.
	Requeue(ctx context.Context, position int64, now time.Time) (bool, error)

	// RequeueDead requeues up to limit dead entries and returns how many moved.
	RequeueDead(ctx context.Context, limit int, now time.Time) (int, error)
}
