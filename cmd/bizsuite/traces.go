package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/spf13/cobra"
)

func newTracesCmd(opts *rootOptions) *cobra.Command {
	var (
		traceID string
		prefix  string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Show spans recorded with telemetry.trace_sample_rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				spans := a.spans
				if spans == nil {
					var err error
					if spans, err = observability.NewSpanStore(ctx, a.store.DB(), 0); err != nil {
						return err
					}
				}

				query := observability.SpanQuery{TraceID: traceID, NamePrefix: prefix, Limit: limit}
				if since > 0 {
					query.Since = time.Now().Add(-since)
				}
				found, err := spans.Query(ctx, query)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "START\tTRACE\tSPAN\tNAME\tDURATION\tSTATUS")
				for _, s := range found {
					status := s.Status
					if s.StatusMessage != "" {
						status += ": " + s.StatusMessage
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						s.StartTime.Format(time.RFC3339Nano), s.TraceID, s.SpanID, s.Name, s.Duration, status)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&traceID, "trace", "", "only spans of this trace id")
	cmd.Flags().StringVar(&prefix, "name", "", "only spans whose name starts with this prefix")
	cmd.Flags().DurationVar(&since, "since", 0, "only spans started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum spans to show")
	return cmd
}
