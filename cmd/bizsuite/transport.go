package main

import (
	"context"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
	"github.com/plaenen/bizsuite/pkg/config"
	"github.com/plaenen/bizsuite/pkg/integration"
	"github.com/plaenen/bizsuite/pkg/messaging"
	"github.com/plaenen/bizsuite/pkg/messaging/gocdk"
	"github.com/plaenen/bizsuite/pkg/messaging/nats"
	"github.com/plaenen/bizsuite/pkg/security/credentials"

	_ "gocloud.dev/pubsub/mempubsub"
)

// transport publishes and subscribes to integration events.
type transport interface {
	messaging.Publisher
	messaging.Subscriber
}

// openTransport connects the configured integration transport. The returned
// function closes it and everything it started.
func openTransport(ctx context.Context, cfg config.Config, retry integration.RetryPolicy, logger *slog.Logger) (transport, func(), error) {
	switch cfg.Transport {
	case config.TransportGoCDK:
		t := gocdk.NewTransport(gocdk.Config{
			TopicURL:        cfg.PubSub.TopicURL,
			SubscriptionURL: cfg.PubSub.SubscriptionURL,
			Retry:           retry,
		}, gocdk.WithLogger(logger))
		return t, func() { t.Close() }, nil

	case config.TransportNATS:
		return openNATS(ctx, cfg.NATS, retry, logger)

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func openNATS(ctx context.Context, cfg config.NATSConfig, retry integration.RetryPolicy, logger *slog.Logger) (transport, func(), error) {
	var creds *credentials.Credentials
	if cfg.CredentialsFile != "" {
		var err error
		creds, err = credentials.LoadFile(ctx, cfg.KeeperURL, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("loaded NATS credentials", slog.Any("credentials", creds))
	}

	natsConfig := nats.DefaultConfig()
	natsConfig.URL = cfg.URL
	natsConfig.StreamName = cfg.Stream
	natsConfig.Durable = cfg.Durable
	natsConfig.AckWait = cfg.AckWait
	natsConfig.MaxAge = cfg.MaxAge
	natsConfig.Retry = retry

	if !cfg.Embedded {
		t, err := nats.NewTransport(natsConfig, nats.WithCredentials(creds), nats.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil
	}

	embeddedOpts := []nats.EmbeddedOption{
		nats.WithPort(cfg.Port),
		nats.WithEmbeddedLogger(logger),
	}
	if creds != nil {
		embeddedOpts = append(embeddedOpts, nats.WithServerCredentials(creds))
	}
	if cfg.StoreDir != "" {
		embeddedOpts = append(embeddedOpts, nats.WithStoreDir(cfg.StoreDir))
	} else {
		natsConfig.Storage = natsgo.MemoryStorage
	}

	srv := nats.NewEmbeddedService(
		nats.WithServerOptions(embeddedOpts...),
		nats.WithServiceLogger(logger),
	)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	stopServer := func() { srv.Stop(context.WithoutCancel(ctx)) }

	nc, err := srv.Connect()
	if err != nil {
		stopServer()
		return nil, nil, err
	}
	t, err := nats.NewTransport(natsConfig, nats.WithConnection(nc), nats.WithLogger(logger))
	if err != nil {
		nc.Close()
		stopServer()
		return nil, nil, err
	}
	return t, func() {
		t.Close()
		nc.Close()
		stopServer()
	}, nil
}
