package plugins_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andrei-cloud/procmacro/internal/metrics"
	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/internal/plugintest"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPackages(names ...string) []packages.Package {
	pkgs := make([]packages.Package, 0, len(names))
	for _, name := range names {
		pkgs = append(pkgs, packages.Package{
			ID:   packages.PackageID{Name: name, Version: "1.0.0"},
			Root: "/macros/" + name,
		})
	}

	return pkgs
}

func TestManagerLoadAndExpand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgs := testPackages("upper", "same")
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("upper") }).
		Register(pkgs[1].ModulePath(), func() *plugintest.Module { return plugintest.Identity("same") })

	m := plugins.NewManager(loader)
	require.NoError(t, m.LoadAll(ctx, pkgs))
	t.Cleanup(func() { _ = m.Close(ctx) })

	res, err := m.Expand(ctx, "upper", macro.NewTokenStream("fn a() {}"))
	require.NoError(t, err)
	assert.Equal(t, "FN A() {}", res.TokenStream.String())

	res, err = m.Expand(ctx, "same", macro.NewTokenStream("fn a() {}"))
	require.NoError(t, err)
	assert.Equal(t, "fn a() {}", res.TokenStream.String())

	_, err = m.Expand(ctx, "missing", macro.NewTokenStream("x"))
	require.ErrorIs(t, err, plugins.ErrUnknownAttribute)

	require.NoError(t, m.PropagateAuxData(ctx, "upper", []macro.AuxData{macro.NewAuxData([]byte("a"))}))
	require.ErrorIs(t, m.PropagateAuxData(ctx, "missing", nil), plugins.ErrUnknownPackage)

	list := m.ListPlugins()
	require.Len(t, list, 2)
	assert.Equal(t, "same", list[0].Package.Name)
	assert.Equal(t, "upper", list[1].Package.Name)
	assert.Equal(t, []string{"upper"}, list[1].Attributes)
	assert.Equal(t, pkgs[0].ModulePath(), list[1].Path)
}

func TestManagerPartialLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgs := testPackages("good", "nofile", "nosymbol")
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("good") }).
		Register(pkgs[2].ModulePath(), func() *plugintest.Module {
			return plugintest.Uppercase("nosymbol").Without(plugins.SymbolFreeResult)
		})

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := plugins.NewManager(loader, plugins.WithManagerMetrics(mt))
	err := m.LoadAll(ctx, pkgs)
	t.Cleanup(func() { _ = m.Close(ctx) })

	require.ErrorIs(t, err, plugins.ErrLoad)
	require.ErrorIs(t, err, plugins.ErrMissingSymbol)

	var symErr *plugins.MissingSymbolError
	require.ErrorAs(t, err, &symErr)
	assert.Equal(t, "nosymbol", symErr.Package.Name)

	res, err := m.Expand(ctx, "good", macro.NewTokenStream("ok"))
	require.NoError(t, err)
	assert.Equal(t, "OK", res.TokenStream.String())

	assert.Len(t, m.ListPlugins(), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(mt.PluginsLoaded), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(mt.LoadsTotal.WithLabelValues("nofile", "load_error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(mt.LoadsTotal.WithLabelValues("nosymbol", "missing_symbol")), 0)
}

func TestManagerPluginFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgs := testPackages("trap")
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module {
			return plugintest.Uppercase("trap").Export(plugins.SymbolExpand, plugintest.Trap("unreachable"))
		})

	m := plugins.NewManager(loader)
	require.NoError(t, m.LoadAll(ctx, pkgs))
	t.Cleanup(func() { _ = m.Close(ctx) })

	_, err := m.Expand(ctx, "trap", macro.NewTokenStream("x"))
	var callErr *plugins.CallError
	require.ErrorAs(t, err, &callErr)

	// The instance goes back to the pool and stays usable.
	_, err = m.Expand(ctx, "trap", macro.NewTokenStream("x"))
	require.ErrorAs(t, err, &callErr)
}

func TestManagerConcurrentExpand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgs := testPackages("upper")
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("upper") })

	m := plugins.NewManager(loader, plugins.WithInstances(3))
	require.NoError(t, m.LoadAll(ctx, pkgs))

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Expand(ctx, "upper", macro.NewTokenStream("abc"))
			assert.NoError(t, err)
			assert.Equal(t, "ABC", res.TokenStream.String())
		}()
	}
	wg.Wait()

	opened := loader.Opened()
	assert.LessOrEqual(t, len(opened), 3)

	frees := 0
	for _, mod := range opened {
		frees += mod.Calls(plugins.SymbolFreeResult)
		assert.Zero(t, mod.Heap().Live())
	}
	assert.Equal(t, 32, frees)

	require.NoError(t, m.Close(ctx))
	for _, mod := range opened {
		assert.Equal(t, 1, mod.CloseCalls())
	}
}

func TestManagerDuplicateAttribute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgs := []packages.Package{
		{ID: packages.PackageID{Name: "dup"}, Root: "/a/dup"},
		{ID: packages.PackageID{Name: "dup"}, Root: "/b/dup"},
	}
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("a") }).
		Register(pkgs[1].ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("b") })

	m := plugins.NewManager(loader)
	err := m.LoadAll(ctx, pkgs)
	require.ErrorIs(t, err, plugins.ErrDuplicate)
	assert.Len(t, m.ListPlugins(), 1)

	require.NoError(t, m.Close(ctx))
	for _, mod := range loader.Opened() {
		assert.True(t, mod.Closed())
	}
}

func TestManagerCloseClearsRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkg := packages.Package{ID: packages.PackageID{Name: "upper"}, Root: "/macros/upper"}
	loader := plugintest.NewLoader().
		Register(pkg.ModulePath(), func() *plugintest.Module { return plugintest.Uppercase("upper") })

	m := plugins.NewManager(loader)
	require.NoError(t, m.LoadAll(ctx, []packages.Package{pkg}))
	require.Len(t, m.ListPlugins(), 1)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.ListPlugins())

	_, err := m.Expand(ctx, "upper", macro.NewTokenStream("x"))
	require.ErrorIs(t, err, plugins.ErrUnknownAttribute)
}

type closingLoader struct {
	*plugintest.Loader
	closed bool
}

func (l *closingLoader) Close(context.Context) error {
	l.closed = true
	return errors.New("runtime already closed")
}

func TestManagerClosesLoader(t *testing.T) {
	t.Parallel()

	loader := &closingLoader{Loader: plugintest.NewLoader()}
	m := plugins.NewManager(loader)
	require.NoError(t, m.LoadAll(context.Background(), nil))

	err := m.Close(context.Background())
	require.Error(t, err)
	assert.True(t, loader.closed)
}

func TestManagerExpandWaitsForInstance(t *testing.T) {
	t.Parallel()

	pkgs := testPackages("slow")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	loader := plugintest.NewLoader().
		Register(pkgs[0].ModulePath(), func() *plugintest.Module {
			mod := plugintest.Uppercase("slow")
			expand := mod.ExportedFunction(plugins.SymbolExpand)
			mod.Export(plugins.SymbolExpand, func(ctx context.Context, params ...uint64) ([]uint64, error) {
				started <- struct{}{}
				<-release
				return expand.Call(ctx, params...)
			})

			return mod
		})

	m := plugins.NewManager(loader, plugins.WithInstances(1))
	require.NoError(t, m.LoadAll(context.Background(), pkgs))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	done := make(chan error, 1)
	go func() {
		_, err := m.Expand(context.Background(), "slow", macro.NewTokenStream("a"))
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Expand(ctx, "slow", macro.NewTokenStream("b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}
