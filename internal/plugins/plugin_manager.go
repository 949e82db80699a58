package plugins

import (
	"context"

	"github.com/andrei-cloud/procmacro/pkg/macro"
)

// PluginManagerInterface is what the expansion server needs from a plugin manager.
type PluginManagerInterface interface {
	// Expand expands ts with the plugin declaring attribute.
	Expand(ctx context.Context, attribute string, ts macro.TokenStream) (macro.Result, error)

	// PropagateAuxData hands aux data to the plugin of a package.
	PropagateAuxData(ctx context.Context, pkgName string, items []macro.AuxData) error

	// ListPlugins returns the loaded plugins.
	ListPlugins() []*PluginInfo

	// Close closes every plugin and releases the runtime.
	Close(ctx context.Context) error
}

var _ PluginManagerInterface = (*Manager)(nil)
