package store

import (
	"context"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
)

// Projection builds a read model from domain events.
//
// Handle must be idempotent: delivering the same event twice leaves the read
// model as it was after the first delivery. An event that refers to a row which
// does not exist yet must fail with a *domain.ProjectionOrderingError.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// Handle processes an event and updates the read model.
	Handle(ctx context.Context, event *domain.Event) error

	// Reset clears the read model (useful for rebuilding).
	Reset(ctx context.Context) error
}

// ProjectionStatus represents the current operational status of a projection.
type ProjectionStatus string

const (
	// ProjectionStatusReady indicates the projection is up-to-date and ready to serve queries
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding indicates the projection is being rebuilt from scratch
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed indicates the projection encountered an error
	ProjectionStatusFailed ProjectionStatus = "FAILED"
)

// ProjectionState tracks the operational state of a projection.
type ProjectionState struct {
	ProjectionName  string
	Status          ProjectionStatus
	Message         string // Optional status message (e.g., error details)
	EventsProcessed int64  // Events replayed by the running or last rebuild
	UpdatedAt       time.Time
}

// ProjectionStatusStore persists projection status for monitoring.
type ProjectionStatusStore interface {
	Save(ctx context.Context, state *ProjectionState) error
	Load(ctx context.Context, projectionName string) (*ProjectionState, error)
}
