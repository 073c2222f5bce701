package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/observability"
)

// Mapper derives the integration event for a domain event. A nil event
// with a nil error means the domain event is not published.
type Mapper func(event *domain.Event) (*IntegrationEvent, error)

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithSource stamps every forwarded event with the publishing service name.
func WithSource(source string) ForwarderOption {
	return func(f *Forwarder) {
		f.source = source
	}
}

// WithLogger sets the logger for the forwarder.
func WithLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics records publish latency and outcomes.
func WithMetrics(metrics *observability.Metrics) ForwarderOption {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// Forwarder publishes integration events for selected domain events.
// It is registered on a dispatcher, so with the outbox relay a failed
// publish is retried with backoff and per-stream order is preserved.
type Forwarder struct {
	publisher Publisher
	source    string
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewForwarder creates a forwarder publishing through publisher.
func NewForwarder(publisher Publisher, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		publisher: publisher,
		logger:    slog.Default(),
		mappers:   make(map[string]Mapper),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Map registers the mapper used for eventType.
func (f *Forwarder) Map(eventType string, mapper Mapper) *Forwarder {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappers[eventType] = mapper
	return f
}

// EventTypes returns the mapped domain event types, sorted.
func (f *Forwarder) EventTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.mappers))
	for eventType := range f.mappers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Handle maps event and publishes the result. Events without a mapper are
// ignored. Publish failures wrap domain.ErrDeliveryFailure.
func (f *Forwarder) Handle(ctx context.Context, event *domain.Event) error {
	f.mu.RLock()
	mapper, ok := f.mappers[event.EventType]
	f.mu.RUnlock()
	if !ok {
		return nil
	}

	integrationEvent, err := mapper(event)
	if err != nil {
		return fmt.Errorf("failed to map %s (aggregate %s, version %d): %w",
			event.EventType, event.AggregateID, event.Version, err)
	}
	if integrationEvent == nil {
		return nil
	}
	if integrationEvent.Source == "" {
		integrationEvent.Source = f.source
	}

	start := time.Now()
	err = f.publisher.Publish(ctx, integrationEvent)
	if f.metrics != nil {
		f.metrics.RecordIntegrationPublish(ctx, integrationEvent.Name, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("%w: publish %s: %w", domain.ErrDeliveryFailure, integrationEvent.Name, err)
	}

	f.logger.DebugContext(ctx, "integration event published",
		slog.String("name", integrationEvent.Name),
		slog.String("id", integrationEvent.ID),
		slog.String("source_aggregate_id", integrationEvent.SourceAggregateID),
		slog.Int64("source_version", integrationEvent.SourceVersion),
	)
	return nil
}
