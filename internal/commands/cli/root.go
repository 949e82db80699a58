// Package cli provides the CLI command structure for procmacro.
package cli

import (
	"fmt"

	"github.com/andrei-cloud/procmacro/internal/config"
	"github.com/andrei-cloud/procmacro/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

// persistentFlags maps global flags to the configuration keys they override.
var persistentFlags = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"plugin-path": "plugin.path",
}

// NewRootCommand creates and returns the root command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "procmacro",
		Short: "Procedural macro plugin host",
		Long: `A host for procedural macro plugins compiled to WebAssembly.
It loads every macro package below the plugin directory and expands
token streams through the plugins, locally or over TCP.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Initialize configuration before running any command.
			if err := config.Initialize(cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := config.BindFlags(cmd.Flags(), persistentFlags); err != nil {
				return err
			}
			if err := config.Reload(); err != nil {
				return err
			}

			cfg := config.Get()
			logging.Setup(cfg.Log.Level, cfg.Log.Format)

			return nil
		},
	}

	// Add persistent flags that affect all commands.
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is $HOME/.procmacro/config.yaml)")

	// Add global flags that can override config file settings.
	rootCmd.PersistentFlags().
		String("log-level", "info", "logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "human", "logging format (human, json)")
	rootCmd.PersistentFlags().String("plugin-path", "macros", "path to the macro packages directory")

	// Register all commands.
	if err := RegisterCommands(rootCmd); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	return rootCmd, nil
}
