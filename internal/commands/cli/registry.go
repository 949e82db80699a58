// Package cli provides centralized command registration.
package cli

import (
	"github.com/andrei-cloud/procmacro/internal/commands/cli/expand"
	"github.com/andrei-cloud/procmacro/internal/commands/cli/plugin"
	"github.com/andrei-cloud/procmacro/internal/commands/cli/server"
	"github.com/spf13/cobra"
)

// RegisterCommands registers all root commands.
func RegisterCommands(root *cobra.Command) error {
	root.AddCommand(server.NewServeCommand())
	root.AddCommand(expand.NewExpandCommand())
	root.AddCommand(plugin.NewPluginCommand())

	return nil
}
