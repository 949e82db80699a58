// Package plugin provides plugin creation commands.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/andrei-cloud/procmacro/internal/config"
	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/spf13/cobra"
)

// ErrInvalidName is returned for package names that cannot name a directory and a module.
var ErrInvalidName = errors.New("invalid package name")

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var (
	pluginVersion string
	pluginBuild   bool
)

// NewCreateCommand creates the create command.
func NewCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new plugin",
		Long: `Create a new macro package below the plugin directory. This will:
1. Create the package manifest
2. Create the plugin source
3. Build the WASM plugin, with --build`,
		Args: cobra.ExactArgs(1),
		RunE: runCreatePlugin,
	}

	// Add flags.
	cmd.Flags().StringVarP(&pluginVersion, "version", "v", "0.1.0", "Package version")
	cmd.Flags().BoolVar(&pluginBuild, "build", false, "Build the plugin after creating it")

	return cmd
}

func runCreatePlugin(cmd *cobra.Command, args []string) error {
	dir, err := Create(config.Get().Plugin.Path, args[0], pluginVersion)
	if err != nil {
		return err
	}

	if pluginBuild {
		pkg, err := packages.ReadManifest(dir)
		if err != nil {
			return err
		}
		if err := build(pkg); err != nil {
			return fmt.Errorf("failed to build plugin: %w", err)
		}
		cmd.Printf("Successfully created and built plugin %s in %s\n", args[0], dir)

		return nil
	}

	cmd.Printf("Successfully created plugin %s in %s\n", args[0], dir)

	return nil
}

// Create scaffolds the macro package name below root and returns its directory.
func Create(root, name, version string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create package directory: %w", err)
	}

	manifest := fmt.Sprintf(`[package]
name = %q
version = %q
`, name, version)

	source := fmt.Sprintf(`//go:build wasip1

// Command %s is a procedural macro plugin.
package main

import (
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/andrei-cloud/procmacro/pkg/macroplugin"
)

var plugin = macroplugin.Default(expandItem)

func expandItem(ts macro.TokenStream) macro.Result {
	macroplugin.LogDebug("%s: expanding item")

	return macro.Replace(ts, nil)
}

//go:wasmexport expand
func expand(ptr, size uint32) uint64 {
	return plugin.Expand(ptr, size)
}

//go:wasmexport free_result
func freeResult(ptr uint32) {
	plugin.FreeResult(ptr)
}

//go:wasmexport aux_data_callback
func auxDataCallback(ptr, size uint32) uint64 {
	return plugin.AuxDataCallback(ptr, size)
}

//go:wasmexport allocate
func allocate(size uint32) uint32 {
	return plugin.Allocate(size)
}

//go:wasmexport deallocate
func deallocate(ptr, size uint32) {
	plugin.Deallocate(ptr, size)
}

func main() {}
`, name, name)

	if err := os.WriteFile(filepath.Join(dir, packages.ManifestName), []byte(manifest), 0o644); err != nil {
		return "", fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("failed to create plugin source: %w", err)
	}

	return dir, nil
}

// build compiles the package into its module path. The package directory must be
// inside a Go module that requires procmacro.
func build(pkg packages.Package) error {
	out, err := filepath.Abs(pkg.ModulePath())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}

	goCmd := exec.Command("go", "build", "-buildmode=c-shared", "-o", out, ".")
	goCmd.Dir = pkg.Root
	goCmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm")
	goCmd.Stdout = os.Stdout
	goCmd.Stderr = os.Stderr

	return goCmd.Run()
}
