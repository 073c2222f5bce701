package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/plaenen/bizsuite/pkg/observability"
	"go.opentelemetry.io/otel/trace"
)

// LoggingMiddleware logs command execution with timing information.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *Command) (Result, error) {
			start := time.Now()

			result, err := next.Handle(ctx, cmd)

			attrs := []any{
				slog.String("command_type", cmd.Type),
				slog.String("command_id", cmd.ID),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				logger.ErrorContext(ctx, "command failed", append(attrs, slog.String("error", err.Error()))...)
				return result, err
			}

			logger.InfoContext(ctx, "command handled",
				append(attrs, slog.Int64("version", result.Version), slog.Int("events", result.Events))...)
			return result, nil
		})
	}
}

// RecoveryMiddleware turns a handler panic into an error.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *Command) (result Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_id", cmd.ID),
						slog.String("command_type", cmd.Type),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					result = Result{}
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, cmd)
		})
	}
}

// ValidationMiddleware validates payloads implementing Validatable.
// Failures wrap ErrInvalidCommand and keep the validator's error.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *Command) (Result, error) {
			if v, ok := cmd.Payload.(Validatable); ok {
				if err := v.Validate(); err != nil {
					return Result{}, fmt.Errorf("%w: %s: %w", ErrInvalidCommand, cmd.Type, err)
				}
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// MetricsMiddleware records command duration and errors.
func MetricsMiddleware(metrics *observability.Metrics) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *Command) (Result, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			metrics.RecordCommand(ctx, cmd.Type, time.Since(start), err)
			return result, err
		})
	}
}

// TracingMiddleware wraps each command in a span.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *Command) (Result, error) {
			ctx, span := observability.StartSpan(ctx, tracer, "command."+cmd.Type,
				observability.WithAttributes(observability.CommandAttrs(cmd.Type, cmd.ID)...),
				observability.WithAttributes(observability.AttrAggregateID.String(cmd.AggregateID)))

			result, err := next.Handle(ctx, cmd)
			if err == nil {
				span.SetAttributes(
					observability.AttrVersion.Int64(result.Version),
					observability.AttrEventCount.Int(result.Events),
				)
			}
			observability.EndSpan(span, err)
			return result, err
		})
	}
}
