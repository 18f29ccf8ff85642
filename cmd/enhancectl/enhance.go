package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/client"
	"github.com/tokligence/enhance-gateway/internal/session"
)

func newEnhanceCmd(a *app) *cobra.Command {
	var (
		req    client.EnhanceRequest
		action string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "enhance",
		Short: "Create an enhancement session",
		Long:  "enhance creates a session for --text and prints its id. With --stream the generated text is printed as it arrives.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Action = session.Action(action)
			if !req.Action.Valid() {
				return fmt.Errorf("unknown action %q", action)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			created, err := c.Enhance(ctx, req)
			cancel()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !follow {
				fmt.Fprintf(out, "session:   %s\n", created.SessionID)
				fmt.Fprintf(out, "provider:  %s\n", created.Backend)
				fmt.Fprintf(out, "estimated: %d tokens\n", created.EstimatedTokens)
				fmt.Fprintf(out, "remaining: %d requests\n", created.RateLimit.Remaining)
				_, err = fmt.Fprintf(out, "stream:    %s\n", created.StreamURL)
				return err
			}
			return followStream(cmd, c, created.SessionID)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Text, "text", "", "Text to enhance")
	f.StringVar(&action, "action", string(session.ActionImprove), "improve|make_shorter|summarize|fix_grammar|change_tone|free_prompt|expand")
	f.StringVar(&req.Backend, "provider", "", "Generation backend (default: selected by the service)")
	f.StringVar(&req.Context.FieldType, "field-type", "description", "Kind of field being enhanced")
	f.StringVar(&req.Context.EntityID, "entity-id", "", "Entity the field belongs to")
	f.StringVar(&req.Context.FieldID, "field-id", "", "Field id")
	f.StringSliceVar(&req.IncludeContext, "include", nil, "Related context to include (repeatable)")
	f.StringVar(&req.CustomPrompt, "prompt", "", "Custom instruction for free_prompt")
	f.StringVar(&req.Tone, "tone", "", "Target tone for change_tone")
	f.BoolVar(&follow, "stream", false, "Stream the result after creating the session")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}
