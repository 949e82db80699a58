package plugins

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/andrei-cloud/procmacro/internal/metrics"
	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Manager loads the plugins of many packages and routes calls to them by attribute.
type Manager struct {
	loader    Loader
	metrics   *metrics.Metrics
	instances int
	registry  *PluginRegistry

	mu    sync.RWMutex
	pools map[string]*InstancePool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInstances sets how many instances of each plugin may run concurrently.
func WithInstances(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.instances = n
		}
	}
}

// WithManagerMetrics records loads and calls of every instance in mt.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager returns a Manager opening modules with loader.
// If loader has a Close(context.Context) error method, Manager.Close calls it.
func NewManager(loader Loader, opts ...ManagerOption) *Manager {
	m := &Manager{
		loader:    loader,
		instances: 1,
		registry:  NewPluginRegistry(),
		pools:     make(map[string]*InstancePool),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// LoadAll loads the plugin of every package concurrently.
// Packages that fail are skipped and their errors joined; the others stay usable.
func (m *Manager) LoadAll(ctx context.Context, pkgs []packages.Package) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(runtime.NumCPU())

	for _, pkg := range pkgs {
		g.Go(func() error {
			if err := m.load(ctx, pkg); err != nil {
				log.Error().
					Err(err).
					Str("event", "plugin_load_failed").
					Str("package", pkg.ID.String()).
					Msg("failed to load plugin")

				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}

			return nil
		})
	}
	_ = g.Wait()

	m.mu.RLock()
	loaded := len(m.pools)
	m.mu.RUnlock()
	m.metrics.SetLoaded(loaded)

	return errors.Join(errs...)
}

func (m *Manager) load(ctx context.Context, pkg packages.Package) error {
	path := pkg.ModulePath()
	factory := func(ctx context.Context) (*Instance, error) {
		return Load(ctx, m.loader, pkg.ID, path, WithMetrics(m.metrics))
	}

	first, err := factory(ctx)
	if err != nil {
		return err
	}

	info := &PluginInfo{
		Package:    pkg.ID,
		Path:       path,
		Attributes: first.DeclaredAttributes(),
		Instances:  m.instances,
	}
	if err := m.registry.Register(info); err != nil {
		return errors.Join(err, first.Close(ctx))
	}

	m.mu.Lock()
	m.pools[pkg.ID.Name] = NewInstancePool(first, m.instances, factory)
	m.mu.Unlock()

	log.Info().
		Str("event", "plugin_registered").
		Str("package", pkg.ID.String()).
		Strs("attributes", info.Attributes).
		Msg("loaded procedural macro plugin")

	return nil
}

// Expand expands ts with the plugin declaring attribute.
func (m *Manager) Expand(ctx context.Context, attribute string, ts macro.TokenStream) (macro.Result, error) {
	info, ok := m.registry.Lookup(attribute)
	if !ok {
		return macro.Result{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, attribute)
	}

	pool, err := m.pool(info.Package.Name)
	if err != nil {
		return macro.Result{}, err
	}

	var res macro.Result
	err = pool.Do(ctx, func(inst *Instance) error {
		res, err = inst.Expand(ctx, ts)
		return err
	})

	return res, err
}

// PropagateAuxData hands items to the plugin of package pkgName.
func (m *Manager) PropagateAuxData(ctx context.Context, pkgName string, items []macro.AuxData) error {
	pool, err := m.pool(pkgName)
	if err != nil {
		return err
	}

	return pool.Do(ctx, func(inst *Instance) error {
		return inst.PropagateAuxData(ctx, items)
	})
}

// ListPlugins returns the loaded plugins ordered by package name.
func (m *Manager) ListPlugins() []*PluginInfo {
	return m.registry.List()
}

// Close closes every instance and then the loader.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*InstancePool)
	m.registry.Reset()
	m.mu.Unlock()

	var errs []error
	for _, pool := range pools {
		errs = append(errs, pool.Close(ctx))
	}
	if c, ok := m.loader.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(ctx))
	}
	m.metrics.SetLoaded(0)

	return errors.Join(errs...)
}

func (m *Manager) pool(pkgName string) (*InstancePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[pkgName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, pkgName)
	}

	return pool, nil
}

// Open discovers the packages under root and loads them into a new Manager backed by a WasmLoader.
// A non-nil Manager is returned alongside the joined errors of packages that failed to load
// or were skipped for an invalid manifest.
func Open(
	ctx context.Context,
	root string,
	loaderOpts []LoaderOption,
	opts ...ManagerOption,
) (*Manager, error) {
	pkgs, discoverErr := packages.Discover(root)
	if discoverErr != nil && !errors.Is(discoverErr, packages.ErrInvalidManifest) {
		return nil, discoverErr
	}

	loader, err := NewWasmLoader(ctx, loaderOpts...)
	if err != nil {
		return nil, err
	}

	m := NewManager(loader, opts...)

	return m, errors.Join(discoverErr, m.LoadAll(ctx, pkgs))
}
