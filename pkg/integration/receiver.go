package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/bizsuite/pkg/messaging"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/store"
)

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithLogger sets the logger for the receiver.
func WithLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithMetrics counts received and duplicate events.
func WithMetrics(metrics *observability.Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = metrics
	}
}

// Receiver applies integration events at most once per event id.
//
// The inbox skips redeliveries of events that were already applied. A crash
// between a handler and the inbox write still redelivers, so handlers must be
// idempotent on their own keys as well.
type Receiver struct {
	inbox   store.InboxStore
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	handlers map[string]messaging.Handler
}

// NewReceiver creates a receiver recording applied events in inbox.
func NewReceiver(inbox store.InboxStore, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		inbox:    inbox,
		logger:   slog.Default(),
		handlers: make(map[string]messaging.Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers the handler for integration events named name.
func (r *Receiver) On(name string, handler messaging.Handler) *Receiver {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
	return r
}

// Names returns the registered event names, sorted.
func (r *Receiver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle applies event unless it was applied before. Unknown names are
// logged and acknowledged. An error asks the transport to redeliver.
func (r *Receiver) Handle(ctx context.Context, event *messaging.IntegrationEvent) error {
	r.mu.RLock()
	handler, ok := r.handlers[event.Name]
	r.mu.RUnlock()

	attrs := []any{
		slog.String("id", event.ID),
		slog.String("name", event.Name),
		slog.String("source_aggregate_id", event.SourceAggregateID),
	}

	if !ok {
		r.logger.WarnContext(ctx, "ignoring integration event without handler", attrs...)
		return nil
	}

	processed, err := r.inbox.Processed(ctx, event.ID)
	if err != nil {
		return err
	}
	if processed {
		r.logger.DebugContext(ctx, "skipping duplicate integration event", attrs...)
		if r.metrics != nil {
			r.metrics.RecordIntegrationReceive(ctx, event.Name, true)
		}
		return nil
	}

	if err := handler(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "integration event handler failed",
			append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("handle %s %s: %w", event.Name, event.ID, err)
	}

	if _, err := r.inbox.MarkProcessed(ctx, event.ID, event.Name); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordIntegrationReceive(ctx, event.Name, false)
	}

	r.logger.InfoContext(ctx, "integration event applied", attrs...)
	return nil
}
