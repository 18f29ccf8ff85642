package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/client"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

func newStreamCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <session-id>",
		Short: "Follow the stream of a session and print the generated text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			return followStream(cmd, c, args[0])
		},
	}
}

// followStream prints chunks to stdout as they arrive and a summary line once the stream ends.
func followStream(cmd *cobra.Command, c *client.Client, sessionID string) error {
	out := cmd.OutOrStdout()
	var (
		streamErr error
		terminal  bool
	)
	err := c.Stream(cmd.Context(), sessionID, func(ev client.StreamEvent) bool {
		switch ev.Type {
		case sse.EventChunk:
			fmt.Fprint(out, ev.Chunk.Text)
		case sse.EventDone:
			terminal = true
			u := ev.Done.Usage
			fmt.Fprintf(out, "\n\n[done] %d tokens (input %d, output %d) cost $%.6f\n",
				ev.Done.TotalTokens, u.InputTokens, u.OutputTokens, u.Cost)
		case sse.EventCancelled:
			terminal = true
			fmt.Fprintf(out, "\n\n[cancelled] %s\n", ev.Cancelled.Message)
		case sse.EventError:
			terminal = true
			streamErr = fmt.Errorf("stream error (%s): %s", ev.Error.Code, ev.Error.Message)
		}
		return true
	})
	if streamErr != nil {
		return streamErr
	}
	if err != nil {
		return err
	}
	if !terminal {
		return errors.New("stream ended before the session finished")
	}
	return nil
}
