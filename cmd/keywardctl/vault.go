package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/keyward/internal/vault"
)

func newVaultCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect and edit tenant credential bundles",
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Show vault status (tenant and credential counts)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, _, err := a.openVault()
			if err != nil {
				return err
			}
			h, err := v.Health()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants with stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, _, err := a.openVault()
			if err != nil {
				return err
			}
			ids, err := v.ListTenants()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <tenant>",
		Short: "Print a tenant's credentials with values masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := a.openVault()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.Masked(args[0]))
		},
	}

	set := &cobra.Command{
		Use:   "set <tenant> KEY=VALUE...",
		Short: "Merge credentials into a tenant bundle (encrypted at rest)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			v, _, err := a.openVault()
			if err != nil {
				return err
			}
			merged, err := v.Merge(args[0], updates)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keys stored\n", args[0], len(merged))
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check <tenant> KEY...",
		Short: "Report which of the given keys are missing for a tenant",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := a.openVault()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v.CheckRequired(args[0], args[1:]))
		},
	}

	cmd.AddCommand(health, list, get, set, check)
	return cmd
}

// parseAssignments turns KEY=VALUE arguments into a bundle. Values may contain '='.
func parseAssignments(args []string) (vault.Bundle, error) {
	out := vault.Bundle{}
	for _, a := range args {
		k, val, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		out[k] = val
	}
	return out, nil
}

func sortedKeys(b vault.Bundle) []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
