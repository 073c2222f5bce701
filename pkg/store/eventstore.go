package store

import (
	"context"

	"github.com/plaenen/bizsuite/pkg/domain"
)

// EventStore defines the interface for persisting and retrieving events.
type EventStore interface {
	// Append appends events to an aggregate's stream atomically.
	// The events are stamped with versions expectedVersion+1 .. expectedVersion+len(events).
	// Returns domain.ErrConcurrencyConflict, and persists nothing, if expectedVersion
	// doesn't match the highest persisted version.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error

	// ReadStream returns all events of an aggregate ordered by version.
	// An aggregate that was never created yields an empty slice and no error.
	ReadStream(ctx context.Context, aggregateID string) ([]*domain.Event, error)

	// ReadAll returns up to limit events across all streams whose global
	// position is greater than afterPosition, in append order.
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*domain.Event, error)

	// CurrentVersion returns the highest persisted version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)

	// Close closes the event store and releases resources.
	Close() error
}
