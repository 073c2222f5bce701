// Package dispatch delivers stored domain events to in-process handlers,
// either synchronously after a save or through the durable outbox relay.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/store"
)

// HandlerFunc handles one domain event.
type HandlerFunc func(ctx context.Context, event *domain.Event) error

type subscription struct {
	name       string
	handler    HandlerFunc
	eventTypes map[string]struct{}
}

func (s subscription) matches(eventType string) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	_, ok := s.eventTypes[eventType]
	return ok
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics counts handler failures.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithRegistry decodes events read back from storage before delivery.
func WithRegistry(registry *domain.Registry) Option {
	return func(d *Dispatcher) {
		d.registry = registry
	}
}

var _ store.Dispatcher = (*Dispatcher)(nil)

// Dispatcher fans an event out to its subscribers in registration order.
type Dispatcher struct {
	mu            sync.RWMutex
	subscriptions []subscription
	registry      *domain.Registry
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers handler for the given event types, or for every event
// when none are given. name identifies the handler in logs and errors.
func (d *Dispatcher) Subscribe(name string, handler HandlerFunc, eventTypes ...string) {
	sub := subscription{
		name:    name,
		handler: handler,
	}
	if len(eventTypes) > 0 {
		sub.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, eventType := range eventTypes {
			sub.eventTypes[eventType] = struct{}{}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions = append(d.subscriptions, sub)
}

// SubscribeProjection registers a projection under its own name.
func (d *Dispatcher) SubscribeProjection(projection store.Projection, eventTypes ...string) {
	d.Subscribe(projection.Name(), projection.Handle, eventTypes...)
}

// Dispatch delivers event to every matching subscriber, in registration
// order. A failing subscriber does not stop delivery to the others; all
// failures are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.Event) error {
	if event.Payload == nil && d.registry != nil {
		// Unregistered types are delivered with only their raw data.
		if err := d.registry.Decode(event); err != nil && !errors.Is(err, domain.ErrUnknownEventType) {
			return err
		}
	}

	d.mu.RLock()
	subscriptions := d.subscriptions
	d.mu.RUnlock()

	var errs []error
	for _, sub := range subscriptions {
		if !sub.matches(event.EventType) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			d.report(ctx, sub.name, event, err)
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) report(ctx context.Context, name string, event *domain.Event, err error) {
	errorType := "handler"
	var orderingErr *domain.ProjectionOrderingError
	if errors.As(err, &orderingErr) {
		errorType = "ordering"
	}

	d.logger.ErrorContext(ctx, "event handler failed",
		slog.String("handler", name),
		slog.String("error_type", errorType),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("event_type", event.EventType),
		slog.Int64("version", event.Version),
		slog.String("error", err.Error()),
	)
	if d.metrics != nil {
		d.metrics.RecordProjectionError(ctx, name, errorType)
	}
}
