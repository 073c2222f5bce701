package main

import (
	"context"
	"log/slog"

	"github.com/plaenen/bizsuite/examples/inventory"
	"github.com/plaenen/bizsuite/pkg/messaging"
	"github.com/plaenen/bizsuite/pkg/runner"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox relay and the integration receiver",
		Long: `serve relays stored events to the read models and publishes
inventory.goods_received on the configured transport (nats or gocdk). It
also subscribes the valuation context to that event. It runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	t, closeTransport, err := openTransport(ctx, a.cfg, a.retryPolicy(), a.logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	forwarder := messaging.NewForwarder(t,
		messaging.WithSource(a.cfg.Service),
		messaging.WithLogger(a.logger),
		messaging.WithMetrics(a.telemetry.Metrics),
	)
	inventory.RegisterIntegration(forwarder)
	a.dispatcher.Subscribe("integration-forwarder", forwarder.Handle, forwarder.EventTypes()...)

	// Subscribe before the relay starts publishing.
	services := []runner.Service{
		messaging.NewSubscriptionService("valuation-receiver",
			t, a.receiver.Names(), a.receiver.Handle,
			messaging.WithServiceLogger(a.logger)),
	}
	if a.cfg.Outbox.Enabled {
		services = append(services, a.relay())
	} else {
		a.logger.Warn("outbox disabled: read models update on save and nothing is published")
	}

	a.logger.Info("serving",
		slog.String("service", a.cfg.Service),
		slog.String("transport", a.cfg.Transport),
		slog.String("dsn", a.cfg.Database.DSN))

	return runner.New(services,
		runner.WithLogger(a.logger),
		runner.WithHealthInterval(a.cfg.HealthInterval),
	).Run(ctx)
}
