package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EmbeddedService runs an embedded NATS server as a runner.Service.
type EmbeddedService struct {
	server  *EmbeddedServer
	logger  *slog.Logger
	tracer  trace.Tracer
	options []EmbeddedOption
}

// ServiceOption configures the embedded NATS service.
type ServiceOption func(*EmbeddedService)

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *EmbeddedService) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *EmbeddedService) {
		s.tracer = tracer
	}
}

// WithServerOptions sets the options passed to StartEmbeddedServer.
func WithServerOptions(opts ...EmbeddedOption) ServiceOption {
	return func(s *EmbeddedService) {
		s.options = opts
	}
}

// NewEmbeddedService creates an embedded NATS service for use with runner.
func NewEmbeddedService(opts ...ServiceOption) *EmbeddedService {
	s := &EmbeddedService{
		logger: slog.New(slog.DiscardHandler),
		tracer: noop.NewTracerProvider().Tracer("bizsuite/nats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *EmbeddedService) Name() string {
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *EmbeddedService) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "nats.embedded.start")
	defer span.End()

	srv, err := StartEmbeddedServer(s.options...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.ErrorContext(ctx, "failed to start embedded NATS", slog.String("error", err.Error()))
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.InfoContext(ctx, "embedded NATS server started", slog.String("url", srv.URL()))
	return nil
}

// Stop shuts down the embedded NATS server.
func (s *EmbeddedService) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "nats.embedded.stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.InfoContext(ctx, "embedded NATS server stopped")
	}
	return nil
}

// HealthCheck verifies that the server accepts clients and that JetStream
// answers account requests, since the event streams live there.
func (s *EmbeddedService) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "nats.embedded.health")
	defer span.End()

	nc, err := s.Connect()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	info, err := js.AccountInfo(nats.Context(ctx))
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	span.SetAttributes(attribute.Int("nats.streams", info.Streams))
	return nil
}

// Connect opens a client connection to the running server.
func (s *EmbeddedService) Connect() (*nats.Conn, error) {
	if s.server == nil {
		return nil, fmt.Errorf("nats server not started")
	}
	return s.server.Connect()
}

// URL returns the client URL. Only available after Start succeeds.
func (s *EmbeddedService) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var _ runner.HealthChecker = (*EmbeddedService)(nil)
