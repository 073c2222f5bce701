package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one persisted fact in an aggregate's stream.
// Events are immutable once appended.
type Event struct {
	// ID uniquely identifies the event across all streams.
	ID string `json:"id"`

	// AggregateID is the identifier of the stream this event belongs to.
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the kind of aggregate (e.g., "crm.Lead").
	AggregateType string `json:"aggregate_type"`

	// EventType is the payload discriminator (e.g., "crm.LeadQualified").
	EventType string `json:"event_type"`

	// Version is the sequence number of the event within its stream.
	// The first event of a stream has version 1.
	Version int64 `json:"version"`

	// Position is the global insertion order assigned by the store.
	// Zero until the event has been persisted.
	Position int64 `json:"position,omitempty"`

	// OccurredAt is when the event was recorded by the aggregate.
	OccurredAt time.Time `json:"occurred_at"`

	// Data is the encoded payload.
	Data []byte `json:"data"`

	// Metadata contains contextual information.
	Metadata EventMetadata `json:"metadata"`

	// Payload is the decoded payload. It is never persisted.
	Payload any `json:"-"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across aggregates and services
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID identifies who triggered the event
	PrincipalID string `json:"principal_id,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// MetadataOption customizes the metadata of a recorded event.
type MetadataOption func(*EventMetadata)

// WithCausation sets the causation (command) id.
func WithCausation(commandID string) MetadataOption {
	return func(m *EventMetadata) {
		m.CausationID = commandID
	}
}

// WithCorrelation sets the correlation id.
func WithCorrelation(correlationID string) MetadataOption {
	return func(m *EventMetadata) {
		m.CorrelationID = correlationID
	}
}

// WithPrincipal sets the principal id.
func WithPrincipal(principalID string) MetadataOption {
	return func(m *EventMetadata) {
		m.PrincipalID = principalID
	}
}

// WithCustom adds a custom metadata entry.
func WithCustom(key, value string) MetadataOption {
	return func(m *EventMetadata) {
		if m.Custom == nil {
			m.Custom = make(map[string]string)
		}
		m.Custom[key] = value
	}
}

// EventPayload is implemented by every typed event payload.
type EventPayload interface {
	EventType() string
}

var eventIDNamespace = uuid.MustParse("6f1c2a8e-3b1d-5c3e-9a57-0d6a7c1b2e40")

// GenerateDeterministicEventID derives an event ID from the command that
// produced it, so a replayed command yields the same event IDs.
func GenerateDeterministicEventID(commandID, aggregateID string, version int64) string {
	return uuid.NewSHA1(eventIDNamespace, []byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, version))).String()
}

// NewEventID returns a random event ID.
func NewEventID() string {
	return uuid.NewString()
}
