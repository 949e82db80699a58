// Package packages locates procedural macro packages and their compiled plugin modules.
package packages

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	// ManifestName is the file that marks a directory as a macro package.
	ManifestName = "macro.toml"
	// BuildProfile is the build configuration plugin modules are loaded from.
	BuildProfile = "release"
	// ModuleExt is the extension of compiled plugin modules.
	ModuleExt = ".wasm"
)

// ErrInvalidManifest is returned for manifests missing required fields.
var ErrInvalidManifest = errors.New("invalid package manifest")

var validate = validator.New()

// PackageID identifies a package. It is only used as a label.
type PackageID struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// String renders the id as "name vX.Y.Z".
func (id PackageID) String() string {
	if id.Version == "" {
		return id.Name
	}

	return id.Name + " v" + id.Version
}

// Package is a macro package found on disk.
type Package struct {
	ID   PackageID
	Root string
}

type manifest struct {
	Package struct {
		// Name doubles as the module file name, so it may not contain path separators.
		Name    string `toml:"name" validate:"required,excludesall=/\\"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// ReadManifest parses the manifest in dir.
func ReadManifest(dir string) (Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Package{}, err
	}

	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Package{}, fmt.Errorf("%w: failed to parse %s in %s: %w", ErrInvalidManifest, ManifestName, dir, err)
	}

	m.Package.Name = strings.TrimSpace(m.Package.Name)
	m.Package.Version = strings.TrimSpace(m.Package.Version)
	if err := validate.Struct(&m); err != nil {
		return Package{}, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, dir, err)
	}

	return Package{
		ID:   PackageID{Name: m.Package.Name, Version: m.Package.Version},
		Root: dir,
	}, nil
}

// Discover returns every package found in the immediate subdirectories of root, sorted by name.
// Directories without a manifest are skipped. Invalid manifests and packages repeating an
// earlier name are skipped too and reported in the returned error, which wraps
// ErrInvalidManifest; the valid packages are still returned.
func Discover(root string) ([]Package, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var (
		pkgs []Package
		errs []error
	)
	seen := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		dir := filepath.Join(root, e.Name())
		pkg, err := ReadManifest(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil {
			if prev, dup := seen[pkg.ID.Name]; dup {
				err = fmt.Errorf("%w: package %q declared in both %s and %s", ErrInvalidManifest, pkg.ID.Name, prev, dir)
			}
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidManifest) {
				err = fmt.Errorf("%w: %w", ErrInvalidManifest, err)
			}
			log.Warn().Err(err).Str("path", dir).Msg("skipping package")
			errs = append(errs, err)

			continue
		}
		seen[pkg.ID.Name] = dir
		pkgs = append(pkgs, pkg)
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID.Name < pkgs[j].ID.Name })

	return pkgs, errors.Join(errs...)
}

// ModulePath returns where the compiled plugin module of p lives:
// <root>/target/release/<name>.wasm.
func (p Package) ModulePath() string {
	return filepath.Join(p.Root, "target", BuildProfile, p.ID.Name+ModuleExt)
}
