package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/auth"
)

func envToken() string { return strings.TrimSpace(os.Getenv("ENHANCE_TOKEN")) }

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		perms   []string
		ttl     time.Duration
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		Long:  "token signs a bearer token with the service secret (auth_secret from config unless --secret is given).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				secret = cfg.AuthSecret
			}
			m, err := auth.NewManager(secret)
			if err != nil {
				return err
			}
			token, err := m.IssueToken(subject, perms, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id the token is issued to")
	cmd.Flags().StringSliceVar(&perms, "perm", auth.StandardPermissions(), "Granted permissions (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
