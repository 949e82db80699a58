// Package plugin provides plugin listing commands.
package plugin

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/andrei-cloud/procmacro/internal/config"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Long:  `Load every macro package below the plugin directory and list the usable plugins.`,
		RunE:  runListPlugins,
	}
}

func runListPlugins(cmd *cobra.Command, _ []string) error {
	// Disable logging for CLI commands.
	log.Logger = log.Logger.Level(zerolog.Disabled)

	pm, err := plugins.Open(cmd.Context(), config.Get().Plugin.Path, nil)
	if pm == nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	defer func() {
		_ = pm.Close(context.Background())
	}()
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	return WriteList(cmd.OutOrStdout(), pm.ListPlugins())
}

// WriteList prints plugins as an aligned table.
func WriteList(out io.Writer, infos []*plugins.PluginInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "Package\tVersion\tAttributes\tPath")
	_, _ = fmt.Fprintln(w, "-------\t-------\t----------\t----")

	for _, info := range infos {
		version := info.Package.Version
		if version == "" {
			version = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.Package.Name,
			version,
			strings.Join(info.Attributes, ","),
			info.Path)
	}

	return w.Flush()
}
