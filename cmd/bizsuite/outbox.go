package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newOutboxCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the event outbox",
	}
	cmd.AddCommand(newOutboxStatusCmd(opts), newOutboxRequeueCmd(opts), newOutboxDrainCmd(opts))
	return cmd
}

func newOutboxStatusCmd(opts *rootOptions) *cobra.Command {
	var deadLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count outbox rows by status and list dead rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				outbox := a.store.Outbox()
				summary, err := outbox.Summary(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pending=%d processing=%d failed=%d dead=%d\n",
					summary.Pending, summary.Processing, summary.Failed, summary.Dead)
				if summary.OldestDueAt != nil {
					fmt.Fprintf(out, "oldest due: %s\n", summary.OldestDueAt.Format(time.RFC3339))
				}
				if summary.Dead == 0 || deadLimit <= 0 {
					return nil
				}

				dead, err := outbox.ListDead(ctx, deadLimit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "POSITION\tAGGREGATE\tTYPE\tVERSION\tATTEMPTS\tERROR")
				for _, entry := range dead {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n", entry.Event.Position, entry.Event.AggregateID,
						entry.Event.EventType, entry.Event.Version, entry.AttemptCount, entry.LastError)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&deadLimit, "dead", 20, "number of dead rows to list")
	return cmd
}

func newOutboxRequeueCmd(opts *rootOptions) *cobra.Command {
	var (
		position int64
		allDead  bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Make dead or failed rows due again",
		Example: `  bizsuite outbox requeue --position 42
  bizsuite outbox requeue --dead --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (position > 0) == allDead {
				return errors.New("use exactly one of --position or --dead")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				outbox := a.store.Outbox()
				now := time.Now().UTC()
				if allDead {
					moved, err := outbox.RequeueDead(ctx, limit, now)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %d dead rows\n", moved)
					return nil
				}

				ok, err := outbox.Requeue(ctx, position, now)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no dead or failed outbox row at position %d", position)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued position %d\n", position)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&position, "position", 0, "requeue the row at this event position")
	cmd.Flags().BoolVar(&allDead, "dead", false, "requeue dead rows")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum dead rows to requeue")
	return cmd
}

func newOutboxDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver due rows to the read models once and exit",
		Long: `drain delivers every due outbox row to the projections and exits.
Nothing is published; use serve to publish integration events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				processed, err := a.relay().Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d rows\n", processed)
				return err
			})
		},
	}
}
