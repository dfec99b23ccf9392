// Command keywardctl inspects the credential vault and the OAuth gateway and
// reads secrets from a running server over gRPC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/keyward/internal/config"
	"github.com/and161185/keyward/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries what every subcommand needs; tests swap lookup for a fixed environment.
type app struct {
	lookup func(string) (string, bool)
	log    *zap.Logger
}

func (a *app) config() (config.Config, error) {
	return config.LoadFrom(a.lookup)
}

func (a *app) openVault() (*vault.Vault, config.Config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, cfg, err
	}
	v, err := vault.New(vault.Options{
		Dir:           cfg.VaultDir,
		Passphrase:    cfg.VaultKey,
		PrimaryTenant: cfg.PrimaryTenant,
		Getenv:        a.getenv,
		Logger:        a.log,
	})
	return v, cfg, err
}

func (a *app) getenv(key string) string {
	v, _ := a.lookup(key)
	return v
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keywardctl",
		Short: "Inspect the Keyward credential vault and OAuth gateway",
		Long: `keywardctl works against the local vault directory configured through
VAULT_DIR/VAULT_KEY (or the YAML file named by KEYWARD_CONFIG) and can read
secrets from a running server over its gRPC credential reader.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "keywardctl version %s\n" .Version}}`)
	root.AddCommand(newVaultCmd(a), newOAuthCmd(a), newLoginCmd(a), newSecretsCmd(a), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keywardctl %s (%s)\n", version, buildDate)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()

	a := &app{lookup: os.LookupEnv, log: log}
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
