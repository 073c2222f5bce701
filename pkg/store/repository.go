package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher receives events after they have been appended.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) error
}

type repositoryConfig struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

// WithDispatcher delivers every saved event, in order, to d right after the
// append succeeded.
func WithDispatcher(d Dispatcher) RepositoryOption {
	return func(c *repositoryConfig) {
		c.dispatcher = d
	}
}

// WithLogger sets the logger for the repository.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = logger
	}
}

// WithMetrics records repository and event store metrics.
func WithMetrics(metrics *observability.Metrics) RepositoryOption {
	return func(c *repositoryConfig) {
		c.metrics = metrics
	}
}

// WithTracer sets the OpenTelemetry tracer for the repository.
func WithTracer(tracer trace.Tracer) RepositoryOption {
	return func(c *repositoryConfig) {
		c.tracer = tracer
	}
}

// Repository loads aggregates by replaying their stream and saves them by
// appending their uncommitted events with an expected-version check.
type Repository[T domain.Aggregate] struct {
	eventStore    EventStore
	registry      *domain.Registry
	aggregateType string
	factory       func(id string) T
	config        repositoryConfig
}

// NewRepository creates a new repository for the given aggregate type.
// factory creates an empty aggregate instance for an id.
func NewRepository[T domain.Aggregate](
	eventStore EventStore,
	registry *domain.Registry,
	aggregateType string,
	factory func(id string) T,
	opts ...RepositoryOption,
) *Repository[T] {
	config := repositoryConfig{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("repository"),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &Repository[T]{
		eventStore:    eventStore,
		registry:      registry,
		aggregateType: aggregateType,
		factory:       factory,
		config:        config,
	}
}

// New returns an empty aggregate for id without touching the store.
func (r *Repository[T]) New(id string) T {
	return r.factory(id)
}

// Load replays the aggregate's stream.
// Returns domain.ErrAggregateNotFound if the stream is empty.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	ctx, span := observability.StartSpan(ctx, r.config.tracer, "repository.Load",
		observability.WithAttributes(observability.AttrAggregateID.String(id),
			observability.AttrAggregateType.String(r.aggregateType)))

	start := time.Now()
	events, err := r.eventStore.ReadStream(ctx, id)
	if r.config.metrics != nil {
		r.config.metrics.RecordEventStoreOperation(ctx, "read_stream", time.Since(start), len(events))
		r.config.metrics.RecordRepositoryOperation(ctx, "load", r.aggregateType)
	}
	if err != nil {
		err = fmt.Errorf("failed to load events: %w", err)
		observability.EndSpan(span, err)
		return zero, err
	}

	if len(events) == 0 {
		observability.EndSpan(span, nil)
		return zero, domain.ErrAggregateNotFound
	}

	for _, event := range events {
		if event.Payload != nil {
			continue
		}
		if err := r.registry.Decode(event); err != nil {
			observability.EndSpan(span, err)
			return zero, err
		}
	}

	aggregate := r.factory(id)
	if err := aggregate.Replay(events); err != nil {
		err = fmt.Errorf("failed to replay %s %s: %w", r.aggregateType, id, err)
		observability.EndSpan(span, err)
		return zero, err
	}

	span.SetAttributes(observability.AttrVersion.Int64(aggregate.Version()))
	observability.EndSpan(span, nil)
	return aggregate, nil
}

// Exists reports whether the aggregate has at least one event.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.CurrentVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// Save appends the aggregate's uncommitted events and then dispatches them.
//
// A concurrency conflict is returned unchanged (errors.Is matches
// domain.ErrConcurrencyConflict) and the buffer is kept; there is no retry.
// Dispatch failures are logged, not returned, since the events are already
// durable at that point.
func (r *Repository[T]) Save(ctx context.Context, aggregate T) error {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, r.config.tracer, "repository.Save",
		observability.WithAttributes(observability.AggregateAttrs(aggregate.ID(), r.aggregateType, aggregate.Version())...),
		observability.WithAttributes(observability.AttrEventCount.Int(len(uncommitted))))

	for _, event := range uncommitted {
		if event.Data != nil {
			continue
		}
		payload, ok := event.Payload.(domain.EventPayload)
		if !ok {
			err := fmt.Errorf("%w: payload %T of %s", domain.ErrUnknownEventType, event.Payload, event.EventType)
			observability.EndSpan(span, err)
			return err
		}
		data, err := r.registry.Encode(payload)
		if err != nil {
			observability.EndSpan(span, err)
			return err
		}
		event.Data = data
	}

	// Version before the new events
	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	start := time.Now()
	err := r.eventStore.Append(ctx, aggregate.ID(), expectedVersion, uncommitted)
	if r.config.metrics != nil {
		r.config.metrics.RecordEventStoreOperation(ctx, "append", time.Since(start), len(uncommitted))
		r.config.metrics.RecordRepositoryOperation(ctx, "save", r.aggregateType)
	}
	if err != nil {
		if r.config.metrics != nil && errors.Is(err, domain.ErrConcurrencyConflict) {
			r.config.metrics.RecordConflict(ctx, r.aggregateType)
		}
		err = fmt.Errorf("failed to append events: %w", err)
		observability.EndSpan(span, err)
		return err
	}

	aggregate.ClearUncommittedEvents()

	if r.config.dispatcher != nil {
		for _, event := range uncommitted {
			if err := r.config.dispatcher.Dispatch(ctx, event); err != nil {
				r.config.logger.ErrorContext(ctx, "dispatch after append failed",
					slog.String("aggregate_id", event.AggregateID),
					slog.String("event_type", event.EventType),
					slog.Int64("version", event.Version),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	observability.EndSpan(span, nil)
	return nil
}
