package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/bizsuite/pkg/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "bizsuite",
		Short: "Event sourced CRM, inventory and stock valuation",
		Long: `bizsuite runs three bounded contexts on one SQLite event store:

- crm: leads from first contact to conversion
- inventory: goods receipts, announced as inventory.goods_received
- valuation: moving average stock value per warehouse, material and period

Events reach the read models and the integration transport through a
durable outbox.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./bizsuite.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newOutboxCmd(opts),
		newProjectionsCmd(opts),
		newLeadsCmd(opts),
		newReceiptsCmd(opts),
		newValuationsCmd(opts),
		newCredentialsCmd(opts),
		newTracesCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// withApp runs fn against a fully migrated app and closes it afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, logger, err := o.load(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close: %w", closeErr)
		}
	}()

	return fn(ctx, a)
}
