package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newProjectionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projections",
		Aliases: []string{"projection"},
		Short:   "Inspect and rebuild read models",
	}
	cmd.AddCommand(newProjectionsStatusCmd(opts), newProjectionsRebuildCmd(opts))
	return cmd
}

func newProjectionsStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status and checkpoint of every projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				head, err := a.store.HeadPosition(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PROJECTION\tSTATUS\tPOSITION\tBEHIND\tUPDATED\tMESSAGE")
				for _, name := range a.projectionNames() {
					p := a.projections[name]
					cp, err := p.Checkpoint(ctx)
					if err != nil {
						return err
					}
					status, updated, message := "-", "-", ""
					state, err := p.Status(ctx)
					if err != nil {
						return err
					}
					if state != nil {
						status = string(state.Status)
						updated = state.UpdatedAt.Format(time.RFC3339)
						message = state.Message
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", name, status, cp.Position, head-cp.Position, updated, message)
				}
				return w.Flush()
			})
		},
	}
}

func newProjectionsRebuildCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rebuild [name]",
		Short: "Reset a read model and replay every stored event into it",
		Example: `  bizsuite projections rebuild lead_summary
  bizsuite projections rebuild --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				names := args
				if all {
					names = a.projectionNames()
				}
				for _, name := range names {
					p, err := a.projection(name)
					if err != nil {
						return err
					}
					start := time.Now()
					if err := p.Rebuild(ctx); err != nil {
						return fmt.Errorf("rebuild %s: %w", name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s in %s\n", name, time.Since(start).Round(time.Millisecond))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every projection")
	return cmd
}
