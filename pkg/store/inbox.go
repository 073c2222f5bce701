package store

import "context"

// InboxStore remembers which integration events a receiver already applied.
type InboxStore interface {
	// Processed reports whether the event id was already recorded.
	Processed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event id. Recording an id twice is a no-op and
	// reports false.
	MarkProcessed(ctx context.Context, eventID, eventName string) (bool, error)
}
