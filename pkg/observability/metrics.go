package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the event-sourcing core
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandErrors   metric.Int64Counter

	// Event store metrics
	EventsAppended    metric.Int64Counter
	EventStoreLatency metric.Float64Histogram
	Conflicts         metric.Int64Counter

	// Repository metrics
	RepositorySaves metric.Int64Counter
	RepositoryLoads metric.Int64Counter

	// Projection metrics
	ProjectionErrors metric.Int64Counter

	// Outbox metrics
	OutboxClaimed   metric.Int64Counter
	OutboxCompleted metric.Int64Counter
	OutboxRetried   metric.Int64Counter
	OutboxDead      metric.Int64Counter

	// Integration metrics
	IntegrationPublished  metric.Int64Counter
	IntegrationReceived   metric.Int64Counter
	IntegrationDuplicates metric.Int64Counter
	PublishLatency        metric.Float64Histogram
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.CommandErrors, "eventsourcing.command.errors", "Total command errors"},
		{&m.EventsAppended, "eventsourcing.events.appended", "Total events appended to event store"},
		{&m.Conflicts, "eventsourcing.eventstore.conflicts", "Appends rejected by the expected-version check"},
		{&m.RepositorySaves, "eventsourcing.repository.saves", "Total repository save operations"},
		{&m.RepositoryLoads, "eventsourcing.repository.loads", "Total repository load operations"},
		{&m.ProjectionErrors, "eventsourcing.projection.errors", "Projection processing errors"},
		{&m.OutboxClaimed, "eventsourcing.outbox.claimed", "Outbox entries leased by the relay"},
		{&m.OutboxCompleted, "eventsourcing.outbox.completed", "Outbox entries dispatched successfully"},
		{&m.OutboxRetried, "eventsourcing.outbox.retried", "Outbox entries scheduled for another attempt"},
		{&m.OutboxDead, "eventsourcing.outbox.dead", "Outbox entries moved to the dead state"},
		{&m.IntegrationPublished, "eventsourcing.integration.published", "Integration events handed to a channel"},
		{&m.IntegrationReceived, "eventsourcing.integration.received", "Integration events handled by a receiver"},
		{&m.IntegrationDuplicates, "eventsourcing.integration.duplicates", "Redelivered integration events skipped by a receiver"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	m.CommandDuration, err = meter.Float64Histogram(
		"eventsourcing.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"eventsourcing.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"eventsourcing.integration.publish.latency",
		metric.WithDescription("Integration publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating integration.publish.latency: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		attrs = append(attrs, attribute.String("error_kind", ErrorKind(err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordEventStoreOperation records event store operation metrics
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "append" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordConflict counts an append rejected by the version check
func (m *Metrics) RecordConflict(ctx context.Context, aggregateType string) {
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

// RecordRepositoryOperation records repository operations
func (m *Metrics) RecordRepositoryOperation(ctx context.Context, operation string, aggregateType string) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}

	switch operation {
	case "save":
		m.RepositorySaves.Add(ctx, 1, metric.WithAttributes(attrs...))
	case "load":
		m.RepositoryLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordProjectionError records projection processing errors
func (m *Metrics) RecordProjectionError(ctx context.Context, projectionName string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("projection", projectionName),
		attribute.String("error_type", errorType),
	}

	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutbox records a relay outcome: claimed, completed, retried or dead
func (m *Metrics) RecordOutbox(ctx context.Context, outcome string, count int) {
	var counter metric.Int64Counter
	switch outcome {
	case "claimed":
		counter = m.OutboxClaimed
	case "completed":
		counter = m.OutboxCompleted
	case "retried":
		counter = m.OutboxRetried
	case "dead":
		counter = m.OutboxDead
	default:
		return
	}
	counter.Add(ctx, int64(count))
}

// RecordIntegrationPublish records an outbound integration event
func (m *Metrics) RecordIntegrationPublish(ctx context.Context, name string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_name", name),
		attribute.Bool("success", err == nil),
	}

	m.PublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err == nil {
		m.IntegrationPublished.Add(ctx, 1, metric.WithAttributes(attrs[:1]...))
	}
}

// RecordIntegrationReceive records an inbound integration event
func (m *Metrics) RecordIntegrationReceive(ctx context.Context, name string, duplicate bool) {
	attrs := metric.WithAttributes(attribute.String("event_name", name))
	if duplicate {
		m.IntegrationDuplicates.Add(ctx, 1, attrs)
		return
	}
	m.IntegrationReceived.Add(ctx, 1, attrs)
}
