package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/enhance-gateway/internal/client"
	"github.com/tokligence/enhance-gateway/internal/config"
)

// app carries the global flags and lazily loaded settings shared by every command.
type app struct {
	httpClient client.HTTPClient // nil uses a plain http.Client

	baseURL string
	token   string
	user    string
	timeout time.Duration

	cfg    config.Config
	loaded bool
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "enhancectl",
		Short:        "Command line client for the text enhancement service",
		Long:         "enhancectl creates enhancement sessions, follows their streams, inspects and cancels sessions, reports usage and issues access tokens.",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.baseURL, "base-url", "", "Service address (default: base_url from config)")
	flags.StringVar(&a.token, "token", "", "Bearer token (env ENHANCE_TOKEN)")
	flags.StringVar(&a.user, "user", "", "User id sent as X-User-ID when the service runs without auth")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "Timeout for non-streaming requests")

	rootCmd.AddCommand(
		newVersionCmd(),
		newTokenCmd(a),
		newEnhanceCmd(a),
		newStreamCmd(a),
		newGetCmd(a),
		newCancelCmd(a),
		newUsageCmd(a),
	)
	return rootCmd
}

func (a *app) config() (config.Config, error) {
	if a.loaded {
		return a.cfg, nil
	}
	cfg, err := config.Load(".")
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	a.cfg, a.loaded = cfg, true
	return cfg, nil
}

func (a *app) client() (*client.Client, error) {
	baseURL := strings.TrimSpace(a.baseURL)
	if baseURL == "" {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		baseURL = cfg.BaseURL
	}
	hc := a.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	c, err := client.New(baseURL, hc)
	if err != nil {
		return nil, err
	}
	token := a.token
	if token == "" {
		token = envToken()
	}
	c.SetToken(token)
	c.SetUserID(a.user)
	return c, nil
}

// requestContext bounds a non-streaming call by --timeout.
func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), a.timeout)
}
