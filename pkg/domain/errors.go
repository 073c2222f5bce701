package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when an aggregate has no events.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when the expected version does not
	// match the persisted version of a stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrInvalidVersion is returned when an event does not continue its stream.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrRuleViolation is matched by every *RuleViolation.
	ErrRuleViolation = errors.New("domain rule violation")

	// ErrProjectionOrdering is matched by every *ProjectionOrderingError.
	ErrProjectionOrdering = errors.New("projection ordering error")

	// ErrDeliveryFailure is returned when an integration channel could not
	// accept an event.
	ErrDeliveryFailure = errors.New("integration delivery failure")

	// ErrUnknownEventType is returned when a payload type is not registered.
	ErrUnknownEventType = errors.New("unknown event type")
)

// RuleViolation reports a business precondition that failed.
type RuleViolation struct {
	Aggregate string
	Rule      string
	Message   string
}

func (e *RuleViolation) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Aggregate, e.Rule, e.Message)
}

func (e *RuleViolation) Is(target error) bool {
	return target == ErrRuleViolation
}

// NewRuleViolation creates a new rule violation.
func NewRuleViolation(aggregate, rule, format string, args ...any) error {
	return &RuleViolation{
		Aggregate: aggregate,
		Rule:      rule,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ProjectionOrderingError reports an event that arrived for a read-model row
// which does not exist yet, or which is missing earlier events of the stream.
type ProjectionOrderingError struct {
	Projection  string
	AggregateID string
	EventType   string
	Version     int64

	// Applied is the last version the row reflects; 0 when there is no row.
	Applied int64
}

func (e *ProjectionOrderingError) Error() string {
	if e.Applied > 0 {
		return fmt.Sprintf("projection %s: aggregate %s is at version %d when applying %s (version %d)",
			e.Projection, e.AggregateID, e.Applied, e.EventType, e.Version)
	}
	return fmt.Sprintf("projection %s: no row for aggregate %s when applying %s (version %d)",
		e.Projection, e.AggregateID, e.EventType, e.Version)
}

func (e *ProjectionOrderingError) Is(target error) bool {
	return target == ErrProjectionOrdering
}

// NewProjectionOrderingError creates an ordering error for the given event.
func NewProjectionOrderingError(projection string, event *Event) error {
	return &ProjectionOrderingError{
		Projection:  projection,
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Version:     event.Version,
	}
}

// NewProjectionGapError creates an ordering error for an event that skips
// versions after applied.
func NewProjectionGapError(projection string, event *Event, applied int64) error {
	return &ProjectionOrderingError{
		Projection:  projection,
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Version:     event.Version,
		Applied:     applied,
	}
}
