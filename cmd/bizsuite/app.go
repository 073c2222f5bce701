package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/plaenen/bizsuite/examples/crm"
	"github.com/plaenen/bizsuite/examples/inventory"
	"github.com/plaenen/bizsuite/examples/valuation"
	"github.com/plaenen/bizsuite/pkg/command"
	"github.com/plaenen/bizsuite/pkg/config"
	"github.com/plaenen/bizsuite/pkg/dispatch"
	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/integration"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/store"
	"github.com/plaenen/bizsuite/pkg/store/sqlite"
)

// app holds the services of one bizsuite process: the event store, the
// read models of all three contexts and the command bus in front of them.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *observability.Telemetry
	spans     *observability.SpanStore

	store       *sqlite.EventStore
	registry    *domain.Registry
	dispatcher  *dispatch.Dispatcher
	projections map[string]*sqlite.Projection
	bus         *command.Bus
	receiver    *integration.Receiver
}

// newApp opens the store, applies all migrations and wires the command
// handlers. With the outbox disabled projections are updated right after
// each save instead of by the relay.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	codec, err := domain.CodecByName(cfg.Database.PayloadCodec)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:         cfg,
		logger:      logger,
		registry:    domain.NewRegistry(codec),
		projections: make(map[string]*sqlite.Projection),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	storeOpts := []sqlite.Option{
		sqlite.WithDSN(cfg.Database.DSN),
		sqlite.WithWALMode(cfg.Database.WAL),
		sqlite.WithBusyTimeout(cfg.Database.BusyTimeout),
		sqlite.WithOutbox(cfg.Outbox.Enabled),
		sqlite.WithLogger(logger),
	}
	if cfg.Database.MaxOpenConns > 0 {
		storeOpts = append(storeOpts, sqlite.WithMaxOpenConns(cfg.Database.MaxOpenConns))
	}
	if cfg.Database.MaxIdleConns > 0 {
		storeOpts = append(storeOpts, sqlite.WithMaxIdleConns(cfg.Database.MaxIdleConns))
	}
	if a.store, err = sqlite.NewEventStore(storeOpts...); err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	telConfig := observability.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  cfg.Telemetry.ServiceVersion,
		Environment:     cfg.Telemetry.Environment,
		TraceSampleRate: cfg.Telemetry.TraceSampleRate,
		Logger:          logger,
	}
	if cfg.Telemetry.TraceSampleRate > 0 {
		if a.spans, err = observability.NewSpanStore(ctx, a.store.DB(), cfg.Telemetry.TraceRetention); err != nil {
			return nil, err
		}
		telConfig.TraceExporter = a.spans
	}
	tel, err := observability.Init(ctx, telConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	a.telemetry = tel

	crm.RegisterEvents(a.registry)
	inventory.RegisterEvents(a.registry)
	valuation.RegisterEvents(a.registry)

	a.dispatcher = dispatch.New(
		dispatch.WithRegistry(a.registry),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(tel.Metrics),
	)

	db := a.store.DB()
	builders := []func(context.Context) (*sqlite.Projection, error){
		func(ctx context.Context) (*sqlite.Projection, error) {
			return crm.NewLeadProjection(ctx, db, a.store, a.registry, logger)
		},
		func(ctx context.Context) (*sqlite.Projection, error) {
			return inventory.NewReceiptProjection(ctx, db, a.store, a.registry, logger)
		},
		func(ctx context.Context) (*sqlite.Projection, error) {
			return valuation.NewValuationProjection(ctx, db, a.store, a.registry, logger)
		},
	}
	for _, build := range builders {
		projection, err := build(ctx)
		if err != nil {
			return nil, err
		}
		a.projections[projection.Name()] = projection
		a.dispatcher.SubscribeProjection(projection, projection.EventTypes()...)
	}

	tracer := tel.Tracer("bizsuite")
	repoOpts := []store.RepositoryOption{
		store.WithLogger(logger),
		store.WithMetrics(tel.Metrics),
		store.WithTracer(tracer),
	}
	if !cfg.Outbox.Enabled {
		repoOpts = append(repoOpts, store.WithDispatcher(a.dispatcher))
	}

	a.bus = command.NewBus(command.WithTimeout(cfg.Command.Timeout))
	a.bus.Use(
		command.RecoveryMiddleware(logger),
		command.TracingMiddleware(tracer),
		command.LoggingMiddleware(logger),
		command.MetricsMiddleware(tel.Metrics),
		command.ValidationMiddleware(),
	)
	crm.RegisterCommands(a.bus, crm.NewRepository(a.store, a.registry, repoOpts...))
	inventory.RegisterCommands(a.bus, inventory.NewRepository(a.store, a.registry, repoOpts...))
	valuation.RegisterCommands(a.bus, valuation.NewRepository(a.store, a.registry, repoOpts...))

	inbox, err := sqlite.NewInboxStore(ctx, db)
	if err != nil {
		return nil, err
	}
	a.receiver = integration.NewReceiver(inbox,
		integration.WithLogger(logger),
		integration.WithMetrics(tel.Metrics),
	)
	valuation.RegisterIntegration(a.receiver, a.bus, logger)

	return a, nil
}

// relay returns the outbox relay configured from cfg.Outbox.
func (a *app) relay() *dispatch.Relay {
	c := a.cfg.Outbox
	return dispatch.NewRelay(a.store.Outbox(), a.dispatcher,
		dispatch.WithBatchSize(c.BatchSize),
		dispatch.WithPollInterval(c.PollInterval),
		dispatch.WithLease(c.Lease),
		dispatch.WithMaxAttempts(c.MaxAttempts),
		dispatch.WithConcurrency(c.Concurrency),
		dispatch.WithRelayLogger(a.logger),
		dispatch.WithRelayMetrics(a.telemetry.Metrics),
	)
}

// projection returns the projection named name.
func (a *app) projection(name string) (*sqlite.Projection, error) {
	p, ok := a.projections[name]
	if !ok {
		return nil, fmt.Errorf("unknown projection %q (known: %s)", name, strings.Join(a.projectionNames(), ", "))
	}
	return p, nil
}

func (a *app) projectionNames() []string {
	names := make([]string, 0, len(a.projections))
	for name := range a.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *app) retryPolicy() integration.RetryPolicy {
	policy := integration.DefaultRetryPolicy()
	c := a.cfg.Receiver
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		policy.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		policy.MaxBackoff = c.MaxBackoff
	}
	return policy
}

// Close flushes telemetry into the store and then closes it.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
