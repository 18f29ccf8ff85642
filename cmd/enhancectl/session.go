package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/session"
)

func newGetCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			sess, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sess)
			}
			return printSession(cmd.OutOrStdout(), sess)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and close its stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()
			res, err := c.CancelSession(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (status=%s, stream closed=%t)\n",
				res.SessionID, res.Message, res.Status, res.StreamClosed)
			return err
		},
	}
}

func printSession(w io.Writer, s session.Session) error {
	fmt.Fprintf(w, "session:  %s\n", s.ID)
	fmt.Fprintf(w, "status:   %s\n", s.Status)
	fmt.Fprintf(w, "action:   %s\n", s.Action)
	fmt.Fprintf(w, "provider: %s\n", s.Backend)
	fmt.Fprintf(w, "created:  %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "finished: %s\n", s.CompletedAt.Format(time.RFC3339))
	}
	if s.Usage != nil {
		fmt.Fprintf(w, "usage:    %d in / %d out, $%.6f\n", s.Usage.InputTokens, s.Usage.OutputTokens, s.Usage.Cost)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", s.Error)
	}
	fmt.Fprintf(w, "\noriginal:\n%s\n", s.OriginalText)
	if s.EnhancedText != "" {
		fmt.Fprintf(w, "\nenhanced:\n%s\n", s.EnhancedText)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
