package plugins

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/andrei-cloud/procmacro/internal/packages"
)

// ErrDuplicate is returned when a package or attribute is registered twice.
var ErrDuplicate = errors.New("already registered")

// PluginInfo stores metadata about a loaded procedural macro package.
type PluginInfo struct {
	Package    packages.PackageID `json:"package"`
	Path       string             `json:"path"`
	Attributes []string           `json:"attributes"`
	Instances  int                `json:"instances"`
}

// PluginRegistry maps packages and the attributes they declare to plugin metadata.
type PluginRegistry struct {
	plugins    map[string]*PluginInfo
	attributes map[string]string
	mu         sync.RWMutex
}

// NewPluginRegistry creates a new plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		plugins:    make(map[string]*PluginInfo),
		attributes: make(map[string]string),
	}
}

// Reset removes every registered plugin.
func (pr *PluginRegistry) Reset() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	clear(pr.plugins)
	clear(pr.attributes)
}

// Register adds plugin metadata. A package name or attribute may only be registered once.
func (pr *PluginRegistry) Register(info *PluginInfo) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	name := info.Package.Name
	if _, ok := pr.plugins[name]; ok {
		return fmt.Errorf("package %s: %w", name, ErrDuplicate)
	}
	for _, attr := range info.Attributes {
		if owner, ok := pr.attributes[attr]; ok {
			return fmt.Errorf("attribute %s declared by %s and %s: %w", attr, owner, name, ErrDuplicate)
		}
	}

	pr.plugins[name] = info
	for _, attr := range info.Attributes {
		pr.attributes[attr] = name
	}

	return nil
}

// Get retrieves plugin metadata by package name.
func (pr *PluginRegistry) Get(pkgName string) (*PluginInfo, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	info, ok := pr.plugins[pkgName]
	return info, ok
}

// Lookup finds the plugin declaring attr.
func (pr *PluginRegistry) Lookup(attr string) (*PluginInfo, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	name, ok := pr.attributes[attr]
	if !ok {
		return nil, false
	}

	return pr.plugins[name], true
}

// List returns all registered plugins ordered by package name.
func (pr *PluginRegistry) List() []*PluginInfo {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]*PluginInfo, 0, len(pr.plugins))
	for _, info := range pr.plugins {
		result = append(result, info)
	}
	slices.SortFunc(result, func(a, b *PluginInfo) int {
		return strings.Compare(a.Package.Name, b.Package.Name)
	})

	return result
}
