package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/plaenen/bizsuite/pkg/store/sqlite"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the event store and read model tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the app applies every pending migration.
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				head, err := a.store.HeadPosition(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date (%d events, projections: %v)\n",
					a.cfg.Database.DSN, head, a.projectionNames())
				if !history {
					return nil
				}

				applied, err := sqlite.MigrationHistory(ctx, a.store.DB())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SET\tVERSION\tNAME\tAPPLIED\tCHECKSUM")
				for _, set := range []string{"eventstore", "readside"} {
					for _, m := range applied[set] {
						fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.12s\n",
							set, m.Version, m.Name, m.AppliedAt.Format(time.RFC3339), m.Checksum)
					}
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list applied migrations")
	return cmd
}
