// Package observability wires OpenTelemetry metrics and tracing for the
// event store, the command bus, the outbox relay and the integration
// transports.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects where telemetry goes. Both sinks are optional.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives sampled spans, for example a SpanStore.
	// Without one tracing is a no-op.
	TraceExporter sdktrace.SpanExporter
	// TraceSampleRate is the sampled fraction of root spans, 0 to 1.
	TraceSampleRate float64

	// MetricReader collects the instruments. Without one they are recorded
	// and dropped.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry is the initialized stack.
type Telemetry struct {
	Metrics *Metrics

	tracers  trace.TracerProvider
	shutdown []func(context.Context) error
}

// Init builds the providers, registers them globally and creates Metrics.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.TraceSampleRate))),
		)
		otel.SetTracerProvider(tp)
		tel.tracers = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		logger.DebugContext(ctx, "tracing enabled", slog.Float64("sample_rate", cfg.TraceSampleRate))
	} else {
		tel.tracers = noop.NewTracerProvider()
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(mp)
	tel.shutdown = append(tel.shutdown, mp.Shutdown)

	if tel.Metrics, err = NewMetrics(mp.Meter("bizsuite")); err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns a named tracer.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracers.Tracer(name)
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range t.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
