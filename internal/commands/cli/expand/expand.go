// Package expand provides the expand command, running a macro locally without a server.
package expand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/andrei-cloud/procmacro/internal/config"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/internal/server"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ErrExpansionFailed is returned when the plugin reports error diagnostics.
var ErrExpansionFailed = errors.New("expansion reported errors")

var (
	attribute  string
	jsonOutput bool
	propagate  bool
)

// NewExpandCommand creates the expand command.
func NewExpandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expand [FILE]",
		Short: "Expand a token stream with a plugin",
		Long: `Load the plugins below the plugin directory and expand the contents of FILE,
or standard input, with the plugin declaring the given attribute.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runExpand,
	}

	cmd.Flags().StringVarP(&attribute, "attribute", "a", "", "Attribute naming the macro")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVar(&propagate, "propagate", false, "Hand the result's aux data back to the plugin")
	_ = cmd.MarkFlagRequired("attribute")

	return cmd
}

func runExpand(cmd *cobra.Command, args []string) error {
	// Disable logging for CLI commands unless debugging.
	cfg := config.Get()
	if cfg.Log.Level != "debug" {
		log.Logger = log.Logger.Level(zerolog.Disabled)
	}

	input, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pm, loadErr := plugins.Open(ctx, cfg.Plugin.Path, nil)
	if pm == nil {
		return fmt.Errorf("failed to load plugins: %w", loadErr)
	}
	defer func() {
		_ = pm.Close(context.Background())
	}()

	return Run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), pm, Options{
		Attribute: attribute,
		Input:     input,
		JSON:      jsonOutput,
		Propagate: propagate,
		LoadErr:   loadErr,
	})
}

// Options configures Run.
type Options struct {
	Attribute string
	Input     string
	JSON      bool
	Propagate bool
	// LoadErr holds the errors of packages that failed to load. The failed package
	// may be the one declaring Attribute, so it is reported when no plugin does.
	LoadErr error
}

// Run expands opts.Input with pm and prints the result to out and diagnostics to errOut.
func Run(ctx context.Context, out, errOut io.Writer, pm plugins.PluginManagerInterface, opts Options) error {
	res, err := pm.Expand(ctx, opts.Attribute, macro.NewTokenStream(opts.Input))
	if errors.Is(err, plugins.ErrUnknownAttribute) && opts.LoadErr != nil {
		return errors.Join(err, opts.LoadErr)
	}
	if err != nil {
		return err
	}

	if opts.Propagate && res.AuxData != nil {
		pkg, ok := packageOf(pm, opts.Attribute)
		if ok {
			if err := pm.PropagateAuxData(ctx, pkg, []macro.AuxData{*res.AuxData}); err != nil {
				return fmt.Errorf("failed to propagate aux data: %w", err)
			}
		}
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(server.NewExpandResponse(res)); err != nil {
			return err
		}
	} else {
		for _, d := range res.Diagnostics {
			_, _ = fmt.Fprintf(errOut, "%s: %s\n", d.Severity, d.Message)
		}
		switch res.Kind {
		case macro.ResultReplace:
			_, _ = fmt.Fprintln(out, res.TokenStream.String())
		case macro.ResultLeave:
			_, _ = fmt.Fprintln(out, opts.Input)
		case macro.ResultRemove:
		}
	}

	if res.HasErrors() {
		return ErrExpansionFailed
	}

	return nil
}

func packageOf(pm plugins.PluginManagerInterface, attr string) (string, bool) {
	for _, info := range pm.ListPlugins() {
		if slices.Contains(info.Attributes, attr) {
			return info.Package.Name, true
		}
	}

	return "", false
}

func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}

		return string(data), nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return string(data), nil
}
