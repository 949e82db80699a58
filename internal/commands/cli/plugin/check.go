package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check PATH",
		Short: "Check that a plugin loads",
		Long: `Load the plugin of the macro package in directory PATH, or the compiled
module PATH itself, and report the entry points it provides.`,
		Args: cobra.ExactArgs(1),
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	// Disable logging for CLI commands.
	log.Logger = log.Logger.Level(zerolog.Disabled)

	ctx := cmd.Context()
	loader, err := plugins.NewWasmLoader(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = loader.Close(context.Background())
	}()

	return Check(ctx, cmd.OutOrStdout(), loader, args[0])
}

// Check loads the plugin at path with loader and reports its entry points to out.
// path is either a package directory or a compiled module.
func Check(ctx context.Context, out io.Writer, loader plugins.Loader, path string) error {
	pkg, modulePath, err := resolve(path)
	if err != nil {
		return err
	}

	inst, err := plugins.Load(ctx, loader, pkg, modulePath)
	if err != nil {
		var missing *plugins.MissingSymbolError
		if errors.As(err, &missing) {
			return fmt.Errorf("%s does not provide entry point %q: %w", modulePath, missing.Symbol, err)
		}

		return err
	}
	defer func() {
		_ = inst.Close(context.Background())
	}()

	_, _ = fmt.Fprintf(out, "package:      %s\n", inst.PackageID())
	_, _ = fmt.Fprintf(out, "module:       %s\n", inst.Path())
	_, _ = fmt.Fprintf(out, "attributes:   %s\n", strings.Join(inst.DeclaredAttributes(), ", "))
	_, _ = fmt.Fprintf(out, "entry points: %s\n", strings.Join(plugins.ProtocolV0, ", "))

	return nil
}

func resolve(path string) (packages.PackageID, string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return packages.PackageID{}, "", err
	}

	if fi.IsDir() {
		pkg, err := packages.ReadManifest(path)
		if err != nil {
			return packages.PackageID{}, "", err
		}

		return pkg.ID, pkg.ModulePath(), nil
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return packages.PackageID{Name: name}, path, nil
}
