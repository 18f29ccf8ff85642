package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/enhance"
	"github.com/tokligence/enhance-gateway/internal/ledger"
)

func newUsageCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage and cost of the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			report, err := c.Usage(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printUsage(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func printUsage(out io.Writer, r enhance.UsageReport) error {
	fmt.Fprintf(out, "sessions: %d\n", r.Sessions)
	fmt.Fprintf(out, "tokens:   %d (input %d, output %d)\n", r.TotalTokens, r.InputTokens, r.OutputTokens)
	fmt.Fprintf(out, "cost:     $%.6f\n", r.Cost)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	writeBuckets(w, "ACTION", r.ByAction)
	writeBuckets(w, "PROVIDER", r.ByBackend)
	if len(r.Recent) > 0 {
		fmt.Fprintln(w, "\nSESSION\tACTION\tPROVIDER\tTOKENS\tCOST\tCREATED")
		for _, e := range r.Recent {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6f\t%s\n", e.SessionID, e.Action, e.Backend,
				e.InputTokens+e.OutputTokens, e.Cost, e.CreatedAt.Format(time.RFC3339))
		}
	}
	return w.Flush()
}

func writeBuckets(w io.Writer, title string, buckets map[string]ledger.Bucket) {
	if len(buckets) == 0 {
		return
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s\tSESSIONS\tTOKENS\tCOST\n", title)
	for _, k := range keys {
		b := buckets[k]
		fmt.Fprintf(w, "%s\t%d\t%d\t%.6f\n", k, b.Sessions, b.Tokens, b.Cost)
	}
}
