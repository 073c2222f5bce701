package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/plaenen/bizsuite/examples/inventory"
	"github.com/plaenen/bizsuite/examples/valuation"
	"github.com/spf13/cobra"
)

func newValuationsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "valuations",
		Short: "List stock valuations",
	}
	cmd.AddCommand(newValuationsListCmd(opts))
	return cmd
}

func newValuationsListCmd(opts *rootOptions) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the valuations of an accounting period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if period == "" {
				period = inventory.Period(time.Now())
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				views, err := valuation.NewValuationQueries(a.store.DB()).ListByPeriod(ctx, period)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WAREHOUSE\tMATERIAL\tSTATUS\tQUANTITY\tVALUE\tAVG COST")
				for _, v := range views {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						v.Warehouse, v.Material, v.Status, v.Quantity, v.TotalValue, v.AverageCost)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "accounting period YYYY-MM (default current month)")
	return cmd
}
