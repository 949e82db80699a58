package plugins

import (
	"errors"
	"fmt"

	"github.com/andrei-cloud/procmacro/internal/packages"
)

var (
	// ErrLoad marks failures to open a plugin module.
	ErrLoad = errors.New("failed to load plugin module")
	// ErrMissingSymbol marks modules lacking a required export.
	ErrMissingSymbol = errors.New("missing plugin entry point")
	// ErrClosed is returned by calls on a closed instance.
	ErrClosed = errors.New("plugin instance closed")
	// ErrUnknownAttribute is returned when no loaded package declares an attribute.
	ErrUnknownAttribute = errors.New("no plugin declares attribute")
	// ErrUnknownPackage is returned when no plugin is loaded for a package.
	ErrUnknownPackage = errors.New("no plugin loaded for package")
)

// LoadError reports a module that could not be opened: missing file, wrong
// format or unresolved imports. Err carries the loader's message.
type LoadError struct {
	Package packages.PackageID
	Path    string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin for package %s from %s: %v", e.Package, e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrLoad, e.Err}
}

// MissingSymbolError reports a module lacking a required export.
type MissingSymbolError struct {
	Package packages.PackageID
	Symbol  string
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("failed to load %s function for procedural macro of package %s", e.Symbol, e.Package)
}

func (e *MissingSymbolError) Unwrap() error {
	return ErrMissingSymbol
}

// CallError reports a foreign call that trapped or returned a malformed value.
// It is fatal for the transformation being performed.
type CallError struct {
	Package packages.PackageID
	Symbol  string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("plugin call %s for package %s failed: %v", e.Symbol, e.Package, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
