// Package main provides the router-cli command-line tool for managing the relayforge router.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	relayrouter "github.com/relayforge/router"
	"github.com/relayforge/router/internal/admin"
	"github.com/relayforge/router/internal/version"
	"github.com/relayforge/router/plugin"

	// Register built-in plugins so they appear in the plugin list.
	_ "github.com/relayforge/router/internal/plugins/cache"
	_ "github.com/relayforge/router/internal/plugins/logger"
	_ "github.com/relayforge/router/internal/plugins/maxtoken"
	_ "github.com/relayforge/router/internal/plugins/ratelimit"
	_ "github.com/relayforge/router/internal/plugins/wordfilter"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "router-cli",
		Short:         "Command-line tool for the relayforge router",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newPluginsCmd(),
		newVersionCmd(),
		newKeysCmd(),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relayrouter.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := relayrouter.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			fmt.Println("✓ Config is valid")
			fmt.Printf("  Strategy:  %s\n", cfg.Strategy.Mode)
			fmt.Printf("  Targets:   %d\n", len(cfg.Targets))

			var targetNames []string
			for _, t := range cfg.Targets {
				targetNames = append(targetNames, t.VirtualKey)
			}
			fmt.Printf("  Providers: %s\n", strings.Join(targetNames, ", "))

			if len(cfg.Plugins) > 0 {
				var pluginNames []string
				for _, p := range cfg.Plugins {
					status := "disabled"
					if p.Enabled {
						status = "enabled"
					}
					pluginNames = append(pluginNames, fmt.Sprintf("%s (%s)", p.Name, status))
				}
				fmt.Printf("  Plugins:   %s\n", strings.Join(pluginNames, ", "))
			}
			return nil
		},
	}
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List all registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := plugin.RegisteredPlugins()
			if len(names) == 0 {
				fmt.Println("No plugins registered.")
				return nil
			}
			fmt.Println("Registered plugins:")
			for _, name := range names {
				factory, _ := plugin.GetFactory(name)
				p := factory()
				fmt.Printf("  %-20s type=%s\n", name, p.Type())
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("router-cli %s\n", version.String())
			return nil
		},
	}
}

// newKeysCmd groups the tiered API-key management operations (§4.6) that the
// config-driven Gateway's own virtual-key store doesn't cover: issuing and
// disabling AuthStore key records. BYOK records are not managed here.
func newKeysCmd() *cobra.Command {
	var keysPath string
	var tier string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API key records (the auth store backing the routing pipeline)",
	}
	cmd.PersistentFlags().StringVar(&keysPath, "store", "router-keys.json", "path to the key-record store file")

	issue := &cobra.Command{
		Use:   "issue <customer>",
		Short: "Issue a new API key for a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := admin.NewAuthStore(keysPath)
			if err != nil {
				return err
			}
			defer store.Close()

			t := admin.Tier(tier)
			presented, rec, err := store.IssueKey(args[0], t, admin.DefaultQuotas(t), "", "")
			if err != nil {
				return err
			}
			fmt.Printf("Issued key for %s (tier=%s): %s\n", rec.Customer, rec.Tier, presented)
			fmt.Println("This credential is shown once — store it now.")
			return nil
		},
	}
	issue.Flags().StringVar(&tier, "tier", "basic", "tier: basic|pro|enterprise|admin")

	disable := &cobra.Command{
		Use:   "disable <key-id>",
		Short: "Disable a key so future requests are rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := admin.NewAuthStore(keysPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Disable(args[0])
		},
	}

	cmd.AddCommand(issue, disable)
	return cmd
}
