package domain

import (
	"fmt"
	"time"
)

// Aggregate defines the interface that all aggregates must implement.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the sequence number of the last applied event.
	Version() int64

	// Replay rebuilds state from persisted events in stream order.
	Replay(events []*Event) error

	// UncommittedEvents returns events that have been recorded but not yet persisted.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents clears the uncommitted events after they've been persisted.
	ClearUncommittedEvents()
}

// ApplyFunc mutates aggregate state for one event. It must be free of side
// effects and must not validate business rules, so that replay is always safe.
type ApplyFunc func(event *Event) error

// AggregateRoot provides base functionality for all aggregates.
// Embed it in aggregate implementations and pass the aggregate's apply
// function to NewAggregateRoot.
//
// An AggregateRoot is not safe for concurrent use.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
	apply             ApplyFunc
	commandID         string // Current command being processed (for deterministic event IDs)
	correlationID     string
	principalID       string
}

// NewAggregateRoot creates a new aggregate root with the given ID, type and
// apply function.
func NewAggregateRoot(id, aggregateType string, apply ApplyFunc) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
		apply:         apply,
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents clears the uncommitted events list.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// SetCommandID sets the command ID for deterministic event ID generation.
// This should be called before processing a command.
func (a *AggregateRoot) SetCommandID(commandID string) {
	a.commandID = commandID
}

// SetCorrelation stamps events recorded from now on with the given
// correlation and principal ids.
func (a *AggregateRoot) SetCorrelation(correlationID, principalID string) {
	a.correlationID = correlationID
	a.principalID = principalID
}

// Replay applies persisted events in order. Every event must continue the
// stream exactly; a gap or duplicate returns ErrInvalidVersion.
func (a *AggregateRoot) Replay(events []*Event) error {
	for _, event := range events {
		if event.Version != a.version+1 {
			return fmt.Errorf("%w: aggregate %s expected version %d, got %d",
				ErrInvalidVersion, a.id, a.version+1, event.Version)
		}
		if err := a.apply(event); err != nil {
			return fmt.Errorf("failed to apply %s at version %d: %w", event.EventType, event.Version, err)
		}
		a.version = event.Version
	}
	return nil
}

// Record applies a new event to the aggregate and buffers it for persistence.
// State and version are unchanged if the apply function fails.
func (a *AggregateRoot) Record(payload EventPayload, opts ...MetadataOption) error {
	metadata := EventMetadata{
		CausationID:   a.commandID,
		CorrelationID: a.correlationID,
		PrincipalID:   a.principalID,
	}
	for _, opt := range opts {
		opt(&metadata)
	}

	version := a.version + 1

	var eventID string
	if metadata.CausationID != "" {
		eventID = GenerateDeterministicEventID(metadata.CausationID, a.id, version)
	} else {
		eventID = NewEventID()
	}

	event := &Event{
		ID:            eventID,
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     payload.EventType(),
		Version:       version,
		OccurredAt:    Now(),
		Metadata:      metadata,
		Payload:       payload,
	}

	if err := a.apply(event); err != nil {
		return fmt.Errorf("failed to apply %s: %w", event.EventType, err)
	}

	a.version = version
	a.uncommittedEvents = append(a.uncommittedEvents, event)
	return nil
}

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc, in UTC.
func Now() time.Time {
	return TimeFunc().UTC()
}
