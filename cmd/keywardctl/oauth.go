package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/keyward/internal/oauth"
)

func (a *app) gateway(cmd *cobra.Command) (*oauth.Gateway, func(), error) {
	v, cfg, err := a.openVault()
	if err != nil {
		return nil, nil, err
	}
	var (
		states  oauth.StateStore
		cleanup = func() {}
	)
	if cfg.RedisURL != "" {
		rdb, err := oauth.ConnectRedis(cmd.Context(), cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		states = oauth.NewRedisStateStore(rdb)
		cleanup = func() { _ = rdb.Close() }
	} else {
		states = oauth.NewMemoryStateStore(0)
	}
	gw, err := oauth.NewGateway(oauth.Options{
		BaseURL:  cfg.BaseURL,
		Registry: oauth.DefaultRegistry(),
		States:   states,
		Vault:    v,
		Getenv:   a.getenv,
		Logger:   a.log,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.RedisURL == "" {
		a.log.Warn("REDIS_URL not set; the state behind this link lives only in this process and the callback will be rejected")
	}
	return gw, cleanup, nil
}

func newOAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Inspect OAuth providers and start integration flows",
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Show which providers have client credentials configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, cleanup, err := a.gateway(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(cmd.OutOrStdout(), gw.Health())
		},
	}

	providers := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and their scope keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, cleanup, err := a.gateway(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(cmd.OutOrStdout(), gw.Providers())
		},
	}

	var (
		provider, tenantID, shop string
		scopes                   []string
	)
	url := &cobra.Command{
		Use:   "url",
		Short: "Print an authorization URL connecting a provider to a tenant",
		Long: `url issues a CSRF state and prints the provider's consent URL. The
callback only succeeds when the server shares the state store, so set
REDIS_URL to the server's Redis instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, cleanup, err := a.gateway(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			u, err := gw.GetAuthURL(cmd.Context(), oauth.AuthRequest{
				TenantID: tenantID,
				Provider: strings.ToLower(provider),
				Scopes:   scopes,
				Shop:     shop,
			})
			if err != nil {
				a.log.Debug("auth url", zap.String("provider", provider), zap.Error(err))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	url.Flags().StringVar(&provider, "provider", "", "provider id (google, github, hubspot, shopify, slack)")
	url.Flags().StringVar(&tenantID, "tenant", "", "tenant receiving the credentials")
	url.Flags().StringSliceVar(&scopes, "scopes", nil, "scope keys, comma separated (default \"default\")")
	url.Flags().StringVar(&shop, "shop", "", "shop name for Shopify")
	_ = url.MarkFlagRequired("provider")
	_ = url.MarkFlagRequired("tenant")

	cmd.AddCommand(health, providers, url)
	return cmd
}
