package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/version"
)

func newVersionCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Info()
			if full {
				info = version.FullInfo()
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info)
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Include commit, build time and Go version")
	return cmd
}
