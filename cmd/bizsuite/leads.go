package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/plaenen/bizsuite/examples/crm"
	"github.com/plaenen/bizsuite/pkg/command"
	"github.com/plaenen/bizsuite/pkg/idgen"
	"github.com/spf13/cobra"
)

func newLeadsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Create, progress and list CRM leads",
	}
	cmd.AddCommand(newLeadsCreateCmd(opts), newLeadsQualifyCmd(opts), newLeadsConvertCmd(opts), newLeadsListCmd(opts))
	return cmd
}

func newLeadsCreateCmd(opts *rootOptions) *cobra.Command {
	var p crm.CreateLead
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return sendAndPrint(ctx, cmd, a, &command.Command{
					Type:        crm.CommandCreateLead,
					AggregateID: idgen.NewID(),
					Payload:     p,
				})
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "contact name")
	cmd.Flags().StringVar(&p.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&p.Company, "company", "", "company")
	cmd.Flags().StringVar(&p.Phone, "phone", "", "phone number in E.164 format")
	cmd.Flags().StringVar(&p.Source, "source", "", "where the lead came from")
	return cmd
}

func newLeadsQualifyCmd(opts *rootOptions) *cobra.Command {
	var p crm.QualifyLead
	cmd := &cobra.Command{
		Use:   "qualify <lead-id>",
		Short: "Qualify a lead with a score from 0 to 100",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return sendAndPrint(ctx, cmd, a, &command.Command{
					Type:        crm.CommandQualifyLead,
					AggregateID: args[0],
					Payload:     p,
				})
			})
		},
	}
	cmd.Flags().IntVar(&p.Score, "score", 0, "qualification score")
	cmd.Flags().StringVar(&p.Notes, "notes", "", "notes")
	return cmd
}

func newLeadsConvertCmd(opts *rootOptions) *cobra.Command {
	var p crm.ConvertLead
	cmd := &cobra.Command{
		Use:   "convert <lead-id>",
		Short: "Convert a qualified lead into a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.CustomerID == "" {
				p.CustomerID = idgen.NewID()
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return sendAndPrint(ctx, cmd, a, &command.Command{
					Type:        crm.CommandConvertLead,
					AggregateID: args[0],
					Payload:     p,
				})
			})
		},
	}
	cmd.Flags().StringVar(&p.CustomerID, "customer-id", "", "customer id (generated when empty)")
	return cmd
}

func newLeadsListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads by status from the lead_summary read model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				leads, err := crm.NewLeadQueries(a.store.DB()).ListByStatus(ctx, crm.LeadStatus(status), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tEMAIL\tCOMPANY\tSCORE\tCONTACTS\tVERSION")
				for _, l := range leads {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						l.LeadID, l.Name, l.Email, l.Company, l.Score, len(l.Communications), l.Version)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(crm.StatusNew), "lead status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum leads to list")
	return cmd
}

// sendAndPrint sends cmd and prints the aggregate id and new version.
func sendAndPrint(ctx context.Context, cmd *cobra.Command, a *app, c *command.Command) error {
	res, err := a.bus.Send(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s version=%d events=%d\n", res.AggregateID, res.Version, res.Events)
	return nil
}
