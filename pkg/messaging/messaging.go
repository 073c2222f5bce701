// Package messaging carries integration events between bounded contexts.
//
// Integration events are the public, versioned facts one context publishes
// for others. They are derived from stored domain events by a Forwarder and
// travel over a transport (NATS JetStream or Go CDK pubsub) with at-least-once
// delivery, so receivers deduplicate by ID.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/plaenen/bizsuite/pkg/domain"
)

// integrationIDNamespace scopes integration event ids derived from source events.
var integrationIDNamespace = uuid.MustParse("3b8f9f2e-6c1d-5a47-9e0b-2d5c7a41f6e8")

// IntegrationEvent is the envelope exchanged between contexts.
type IntegrationEvent struct {
	// ID is stable for a given source event and name, so every redelivery
	// carries the same ID.
	ID   string `json:"id"`
	Name string `json:"name"`

	// Source names the publishing service.
	Source string `json:"source,omitempty"`

	SourceAggregateID string    `json:"source_aggregate_id"`
	SourceEventID     string    `json:"source_event_id"`
	SourceVersion     int64     `json:"source_version"`
	OccurredAt        time.Time `json:"occurred_at"`
	CorrelationID     string    `json:"correlation_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// NewIntegrationEvent derives an integration event named name from source.
// payload is encoded as JSON.
func NewIntegrationEvent(source *domain.Event, name string, payload any) (*IntegrationEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}

	correlationID := source.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = source.Metadata.CausationID
	}

	return &IntegrationEvent{
		ID:                IntegrationEventID(source.ID, name),
		Name:              name,
		SourceAggregateID: source.AggregateID,
		SourceEventID:     source.ID,
		SourceVersion:     source.Version,
		OccurredAt:        source.OccurredAt,
		CorrelationID:     correlationID,
		Payload:           data,
	}, nil
}

// IntegrationEventID returns the id of the integration event named name
// derived from the domain event sourceEventID.
func IntegrationEventID(sourceEventID, name string) string {
	return uuid.NewSHA1(integrationIDNamespace, []byte(sourceEventID+"\x1f"+name)).String()
}

// Decode unmarshals the payload into v.
func (e *IntegrationEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Marshal encodes the envelope for a transport.
func (e *IntegrationEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope received from a transport.
func Unmarshal(data []byte) (*IntegrationEvent, error) {
	var event IntegrationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode integration event: %w", err)
	}
	if event.ID == "" || event.Name == "" {
		return nil, fmt.Errorf("integration event without id or name")
	}
	return &event, nil
}

// Publisher sends integration events to a channel.
type Publisher interface {
	Publish(ctx context.Context, event *IntegrationEvent) error
	Close() error
}

// Handler processes one received integration event. Returning an error
// asks the transport to redeliver it later.
type Handler func(ctx context.Context, event *IntegrationEvent) error

// Subscriber delivers integration events with the given names to a handler.
type Subscriber interface {
	Subscribe(ctx context.Context, names []string, handler Handler) (Subscription, error)
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving events and cleans up resources.
	Unsubscribe() error
}
