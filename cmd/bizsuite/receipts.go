package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/plaenen/bizsuite/examples/inventory"
	"github.com/plaenen/bizsuite/pkg/command"
	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/idgen"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newReceiptsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Post and list goods receipts",
	}
	cmd.AddCommand(newReceiptsPostCmd(opts), newReceiptsListCmd(opts))
	return cmd
}

// parseLine parses "material:quantity:unit_cost".
func parseLine(lineID, raw string) (inventory.AddReceiptLine, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return inventory.AddReceiptLine{}, fmt.Errorf("line %q: want material:quantity:unit_cost", raw)
	}
	quantity, err := decimal.NewFromString(parts[1])
	if err != nil {
		return inventory.AddReceiptLine{}, fmt.Errorf("line %q: quantity: %w", raw, err)
	}
	unitCost, err := decimal.NewFromString(parts[2])
	if err != nil {
		return inventory.AddReceiptLine{}, fmt.Errorf("line %q: unit cost: %w", raw, err)
	}
	return inventory.AddReceiptLine{
		LineID:   lineID,
		Material: parts[0],
		Quantity: quantity,
		UnitCost: unitCost,
	}, nil
}

func newReceiptsPostCmd(opts *rootOptions) *cobra.Command {
	var (
		header inventory.CreateReceipt
		lines  []string
	)
	cmd := &cobra.Command{
		Use:     "post",
		Short:   "Create a receipt with its lines and post it",
		Example: `  bizsuite receipts post --warehouse WH-1 --supplier ACME --line SKU-1:50:4 --line SKU-2:10:2.5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(lines) == 0 {
				return fmt.Errorf("at least one --line is required")
			}
			commands := []*command.Command{{Type: inventory.CommandCreateReceipt, Payload: header}}
			for i, raw := range lines {
				line, err := parseLine(strconv.Itoa(i+1), raw)
				if err != nil {
					return err
				}
				commands = append(commands, &command.Command{Type: inventory.CommandAddReceiptLine, Payload: line})
			}
			commands = append(commands, &command.Command{Type: inventory.CommandPostReceipt,
				Payload: inventory.PostReceipt{PostedAt: domain.Now()}})

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				receiptID := idgen.NewID()
				correlationID := idgen.NewID()
				for _, c := range commands {
					c.AggregateID = receiptID
					c.CorrelationID = correlationID
					if _, err := a.bus.Send(ctx, c); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "posted receipt %s with %d lines\n", receiptID, len(lines))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&header.Warehouse, "warehouse", "", "receiving warehouse")
	cmd.Flags().StringVar(&header.Supplier, "supplier", "", "supplier")
	cmd.Flags().StringVar(&header.Reference, "reference", "", "supplier reference, e.g. a purchase order")
	cmd.Flags().StringArrayVar(&lines, "line", nil, "material:quantity:unit_cost, repeatable")
	return cmd
}

func newReceiptsListCmd(opts *rootOptions) *cobra.Command {
	var warehouse, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List receipts of a warehouse from the receipts read model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				receipts, err := inventory.NewReceiptQueries(a.store.DB()).
					ListByWarehouse(ctx, warehouse, inventory.ReceiptStatus(status))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSUPPLIER\tREFERENCE\tLINES\tQUANTITY\tVALUE")
				for _, r := range receipts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						r.ReceiptID, r.Supplier, r.Reference, len(r.Lines), r.TotalQuantity, r.TotalValue)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "warehouse")
	cmd.Flags().StringVar(&status, "status", string(inventory.StatusPosted), "receipt status")
	cmd.MarkFlagRequired("warehouse")
	return cmd
}
