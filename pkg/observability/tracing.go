package observability

import (
	"context"
	"errors"

	"github.com/plaenen/bizsuite/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the store, the command bus and the relay.
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")
	AttrEventCount    = attribute.Key("event.count")
	AttrCommandType   = attribute.Key("command.type")
	AttrCommandID     = attribute.Key("command.id")
	AttrErrorKind     = attribute.Key("error.kind")
)

// SpanOption configures a span started with StartSpan.
type SpanOption func(trace.Span)

// WithAttributes sets attributes on the new span.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a span named name and returns the context carrying it.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan sets the span status from err and ends it. Failed spans carry
// AttrErrorKind so expected outcomes such as rule violations can be told
// apart from faults.
func EndSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.End()
		return
	}
	markError(span, err)
	span.End()
}

// SetSpanError marks the span in ctx as failed with err.
func SetSpanError(ctx context.Context, err error) {
	markError(trace.SpanFromContext(ctx), err)
}

func markError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(AttrErrorKind.String(ErrorKind(err)))
}

// ErrorKind classifies err by the domain sentinel it wraps. Anything else
// is "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrRuleViolation):
		return "rule_violation"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrAggregateNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrProjectionOrdering):
		return "ordering"
	case errors.Is(err, domain.ErrDeliveryFailure):
		return "delivery"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}

// TraceID returns the trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// AggregateAttrs identifies one aggregate at a version.
func AggregateAttrs(id, aggregateType string, version int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateID.String(id),
		AttrAggregateType.String(aggregateType),
		AttrVersion.Int64(version),
	}
}

// CommandAttrs identifies one command. An empty id is omitted.
func CommandAttrs(commandType, commandID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrCommandType.String(commandType)}
	if commandID != "" {
		attrs = append(attrs, AttrCommandID.String(commandID))
	}
	return attrs
}
