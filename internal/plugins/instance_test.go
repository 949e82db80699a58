package plugins_test

import (
	"context"
	"errors"
	"sync"
	"testing"

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

const modulePath = "/plugins/target/release/uppercase.wasm"

var testPackage = packages.PackageID{Name: "uppercase", Version: "0.1.0"}

func loadModule(t *testing.T, mod *plugintest.Module, opts ...plugins.Option) *plugins.Instance {
	t.Helper()

	loader := plugintest.NewLoader().Register(modulePath, func() *plugintest.Module { return mod })
	inst, err := plugins.Load(context.Background(), loader, testPackage, modulePath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	return inst
}

func TestExpandUppercase(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	res, err := inst.Expand(context.Background(), macro.NewTokenStream("foo"))
	require.NoError(t, err)

	assert.Equal(t, macro.ResultReplace, res.Kind)
	assert.Equal(t, "FOO", res.TokenStream.String())
	assert.Equal(t, 1, mod.Calls(plugins.SymbolExpand))
	assert.Equal(t, 1, mod.Calls(plugins.SymbolFreeResult))
	assert.Zero(t, mod.Heap().Live())
	assert.Empty(t, mod.Heap().Violations())
}

func TestExpandIdentityRoundTrip(t *testing.T) {
	t.Parallel()

	mod := plugintest.Identity("identity")
	inst := loadModule(t, mod)

	inputs := []string{
		"",
		"#[derive(Debug)] struct Point { x: felt252, y: felt252 }",
		"fn main() -> u32 {\n    42\n}\n",
		"// ünïcödé ✓",
	}
	for _, in := range inputs {
		res, err := inst.Expand(context.Background(), macro.NewTokenStream(in))
		require.NoError(t, err)
		assert.Equal(t, in, res.TokenStream.String())
	}

	assert.Equal(t, len(inputs), mod.Calls(plugins.SymbolFreeResult))
	assert.Zero(t, mod.Heap().Live())
	assert.Empty(t, mod.Heap().Violations())
}

func TestExpandResultContents(t *testing.T) {
	t.Parallel()

	aux := macro.NewAuxData([]byte(`{"generated":1}`))
	mod := plugintest.NewMacroModule("derive", func(ts macro.TokenStream) macro.Result {
		return macro.Replace(
			macro.NewTokenStream(ts.String()+"\nimpl A {}"),
			&aux,
			macro.Warn("generated impl"),
		)
	})
	inst := loadModule(t, mod)

	res, err := inst.Expand(context.Background(), macro.NewTokenStream("struct A;"))
	require.NoError(t, err)

	assert.Equal(t, "struct A;\nimpl A {}", res.TokenStream.String())
	require.NotNil(t, res.AuxData)
	assert.Equal(t, aux, *res.AuxData)
	assert.Equal(t, []macro.Diagnostic{macro.Warn("generated impl")}, res.Diagnostics)
	assert.False(t, res.HasErrors())
	assert.Zero(t, mod.Heap().Live())
}

func TestExpandFreesResultWhenReadFails(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("broken")
	var freed []uint64
	mod.Export(plugins.SymbolExpand, func(_ context.Context, params ...uint64) ([]uint64, error) {
		// Output pointer far outside memory.
		return []uint64{params[0]<<32 | 0xFFFFFF00}, nil
	})
	mod.Export(plugins.SymbolFreeResult, func(_ context.Context, params ...uint64) ([]uint64, error) {
		freed = append(freed, params[0])
		return nil, nil
	})
	inst := loadModule(t, mod)

	_, err := inst.Expand(context.Background(), macro.NewTokenStream("foo"))
	require.Error(t, err)

	assert.Equal(t, []uint64{0xFFFFFF00}, freed)
	assert.Zero(t, mod.Heap().Live(), "input must be released")
}

func TestExpandTrap(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("trap")
	mod.Export(plugins.SymbolExpand, plugintest.Trap("wasm error: unreachable"))
	inst := loadModule(t, mod)

	_, err := inst.Expand(context.Background(), macro.NewTokenStream("foo"))

	var callErr *plugins.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, plugins.SymbolExpand, callErr.Symbol)
	assert.Equal(t, testPackage, callErr.Package)
	assert.Zero(t, mod.Calls(plugins.SymbolFreeResult))
	assert.Zero(t, mod.Heap().Live(), "input must be released")
}

func TestPropagateAuxData(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	items := []macro.AuxData{
		macro.NewAuxData([]byte("first")),
		macro.NewAuxData([]byte("second")),
	}
	require.NoError(t, inst.PropagateAuxData(context.Background(), items))

	assert.Equal(t, [][]macro.AuxData{items}, mod.ReceivedAux())
	assert.Equal(t, 1, mod.Calls(plugins.SymbolAuxDataCallback))
	assert.Zero(t, mod.Heap().Live())
	assert.Empty(t, mod.Heap().Violations())
}

func TestPropagateAuxDataEmpty(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	require.NoError(t, inst.PropagateAuxData(context.Background(), nil))

	assert.Zero(t, mod.Heap().Allocations())
	assert.Equal(t, 1, mod.Heap().Deallocations())
	assert.Equal(t, 1, mod.Calls(plugins.SymbolAuxDataCallback))
	assert.Empty(t, mod.Heap().Violations())
}

func TestPropagateAuxDataReturnsNewSlice(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	heap := mod.Heap()
	mod.Export(plugins.SymbolAuxDataCallback, func(ctx context.Context, params ...uint64) ([]uint64, error) {
		// Take the input, free it and return a fresh single-element slice.
		payload, _ := heap.Allocate(ctx, 4)
		heap.Write(payload, []byte("done"))
		arr, _ := heap.Allocate(ctx, 8)
		heap.Write(arr, []byte{byte(payload), byte(payload >> 8), 0, 0, 4, 0, 0, 0})

		in := params[0]
		n := params[1]
		for i := uint64(0); i < n; i++ {
			desc, _ := heap.Read(uint32(in)+uint32(i)*8, 8)
			ptr := uint32(desc[0]) | uint32(desc[1])<<8 | uint32(desc[2])<<16 | uint32(desc[3])<<24
			size := uint32(desc[4]) | uint32(desc[5])<<8 | uint32(desc[6])<<16 | uint32(desc[7])<<24
			_ = heap.Deallocate(ctx, ptr, size)
		}
		_ = heap.Deallocate(ctx, uint32(in), uint32(n)*8)

		return []uint64{uint64(arr)<<32 | 1}, nil
	})
	inst := loadModule(t, mod)

	require.NoError(t, inst.PropagateAuxData(context.Background(), []macro.AuxData{
		macro.NewAuxData([]byte("a")),
		macro.NewAuxData([]byte("bc")),
	}))

	assert.Zero(t, heap.Live())
	assert.Empty(t, heap.Violations())
}

func TestPropagateAuxDataTrapReleasesInput(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	mod.Export(plugins.SymbolAuxDataCallback, plugintest.Trap("wasm error: out of bounds memory access"))
	inst := loadModule(t, mod)

	err := inst.PropagateAuxData(context.Background(), []macro.AuxData{macro.NewAuxData([]byte("x"))})

	var callErr *plugins.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, plugins.SymbolAuxDataCallback, callErr.Symbol)
	assert.Zero(t, mod.Heap().Live())
}

func TestLoadMissingSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		without []string
		want    string
	}{
		{name: "expand", without: []string{plugins.SymbolExpand}, want: plugins.SymbolExpand},
		{name: "free_result", without: []string{plugins.SymbolFreeResult}, want: plugins.SymbolFreeResult},
		{name: "aux_data_callback", without: []string{plugins.SymbolAuxDataCallback}, want: plugins.SymbolAuxDataCallback},
		{
			name:    "first missing in order wins",
			without: []string{plugins.SymbolAuxDataCallback, plugins.SymbolFreeResult},
			want:    plugins.SymbolFreeResult,
		},
		{name: "allocator", without: []string{plugins.SymbolAllocate}, want: plugins.SymbolAllocate},
		{name: "memory", without: []string{plugins.SymbolMemory}, want: plugins.SymbolMemory},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mod := plugintest.Uppercase("uppercase").Without(tc.without...)
			loader := plugintest.NewLoader().Register(modulePath, func() *plugintest.Module { return mod })

			inst, err := plugins.Load(context.Background(), loader, testPackage, modulePath)
			require.Nil(t, inst)
			require.ErrorIs(t, err, plugins.ErrMissingSymbol)
			require.NotErrorIs(t, err, plugins.ErrLoad)

			var symErr *plugins.MissingSymbolError
			require.ErrorAs(t, err, &symErr)
			assert.Equal(t, tc.want, symErr.Symbol)
			assert.Contains(t, err.Error(), "failed to load "+tc.want+" function for procedural macro of package uppercase")
			assert.True(t, mod.Closed(), "rejected module must be closed")
		})
	}
}

func TestLoadError(t *testing.T) {
	t.Parallel()

	loader := plugintest.NewLoader().
		Fail("/plugins/bad.wasm", errors.New("invalid magic number"))

	tests := []struct {
		name string
		path string
		msg  string
	}{
		{name: "missing file", path: "/plugins/none.wasm", msg: "file does not exist"},
		{name: "wrong format", path: "/plugins/bad.wasm", msg: "invalid magic number"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := plugins.Load(context.Background(), loader, testPackage, tc.path)
			require.ErrorIs(t, err, plugins.ErrLoad)
			require.NotErrorIs(t, err, plugins.ErrMissingSymbol)

			var loadErr *plugins.LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, tc.path, loadErr.Path)
			assert.Equal(t, testPackage, loadErr.Package)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Contains(t, err.Error(), tc.path)
		})
	}
}

func TestInstanceAccessors(t *testing.T) {
	t.Parallel()

	inst := loadModule(t, plugintest.Uppercase("uppercase"))

	assert.Equal(t, testPackage, inst.PackageID())
	assert.Equal(t, modulePath, inst.Path())
	assert.Equal(t, []string{"uppercase"}, inst.DeclaredAttributes())
	assert.Equal(t, inst.DeclaredAttributes(), inst.DeclaredAttributes())
}

func TestInstanceClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))
	assert.Equal(t, 1, mod.CloseCalls())

	_, err := inst.Expand(ctx, macro.NewTokenStream("foo"))
	require.ErrorIs(t, err, plugins.ErrClosed)
	require.ErrorIs(t, inst.PropagateAuxData(ctx, nil), plugins.ErrClosed)
	assert.Zero(t, mod.Calls(plugins.SymbolExpand))
}

func TestExpandCanceledContext(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inst.Expand(ctx, macro.NewTokenStream("foo"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mod.Calls(plugins.SymbolExpand))
}

func TestExpandConcurrentCallsSerialized(t *testing.T) {
	t.Parallel()

	mod := plugintest.Uppercase("uppercase")
	inst := loadModule(t, mod)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := inst.Expand(context.Background(), macro.NewTokenStream("abc"))
			assert.NoError(t, err)
			assert.Equal(t, "ABC", res.TokenStream.String())
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, mod.Calls(plugins.SymbolFreeResult))
	assert.Zero(t, mod.Heap().Live())
}

func TestInstanceMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	inst := loadModule(t, plugintest.Uppercase("uppercase"), plugins.WithMetrics(m))

	_, err := inst.Expand(context.Background(), macro.NewTokenStream("foo"))
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.LoadsTotal.WithLabelValues("uppercase", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CallsTotal.WithLabelValues("uppercase", plugins.SymbolExpand)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CallsTotal.WithLabelValues("uppercase", plugins.SymbolFreeResult)), 0)
}
