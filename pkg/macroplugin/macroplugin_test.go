package macroplugin_test

import (
	"context"
	"strings"
	"testing"

	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/internal/plugintest"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/andrei-cloud/procmacro/pkg/macroplugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pluginPath = "/macros/target/release/sdk.wasm"

// sdkModule exposes a Plugin allocating in the module heap through the module's exports.
func sdkModule(expand macroplugin.ExpandFunc, opts ...macroplugin.Option) *plugintest.Module {
	mod := plugintest.NewModule("sdk")
	p := macroplugin.New(mod.Heap(), expand, opts...)

	mod.Export(plugins.SymbolExpand, func(_ context.Context, params ...uint64) ([]uint64, error) {
		return []uint64{p.Expand(uint32(params[0]), uint32(params[1]))}, nil
	})
	mod.Export(plugins.SymbolFreeResult, func(_ context.Context, params ...uint64) ([]uint64, error) {
		p.FreeResult(uint32(params[0]))

		return nil, nil
	})
	mod.Export(plugins.SymbolAuxDataCallback, func(_ context.Context, params ...uint64) ([]uint64, error) {
		return []uint64{p.AuxDataCallback(uint32(params[0]), uint32(params[1]))}, nil
	})

	return mod
}

func load(t *testing.T, mod *plugintest.Module) *plugins.Instance {
	t.Helper()

	loader := plugintest.NewLoader().Register(pluginPath, func() *plugintest.Module { return mod })
	inst, err := plugins.Load(context.Background(), loader, packages.PackageID{Name: "sdk"}, pluginPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })

	return inst
}

func TestPluginExpand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		expand macroplugin.ExpandFunc
		input  string
		want   macro.Result
	}{
		{
			name: "replace",
			expand: func(ts macro.TokenStream) macro.Result {
				return macro.Replace(macro.NewTokenStream(strings.ToUpper(ts.String())), nil)
			},
			input: "fn main() {}",
			want:  macro.Replace(macro.NewTokenStream("FN MAIN() {}"), nil),
		},
		{
			name: "replace with aux and diagnostics",
			expand: func(ts macro.TokenStream) macro.Result {
				aux := macro.NewAuxData([]byte(ts.String()))

				return macro.Replace(ts, &aux, macro.Warn("deprecated"))
			},
			input: "struct A {}",
			want: func() macro.Result {
				aux := macro.NewAuxData([]byte("struct A {}"))

				return macro.Replace(macro.NewTokenStream("struct A {}"), &aux, macro.Warn("deprecated"))
			}(),
		},
		{
			name: "leave",
			expand: func(macro.TokenStream) macro.Result {
				return macro.Leave()
			},
			input: "x",
			want:  macro.Leave(),
		},
		{
			name: "remove with error",
			expand: func(macro.TokenStream) macro.Result {
				return macro.Remove(macro.Error("not allowed here"))
			},
			input: "y",
			want:  macro.Remove(macro.Error("not allowed here")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mod := sdkModule(tt.expand)
			inst := load(t, mod)

			res, err := inst.Expand(context.Background(), macro.NewTokenStream(tt.input))
			require.NoError(t, err)

			assert.Equal(t, tt.want.Kind, res.Kind)
			assert.Equal(t, tt.want.TokenStream.String(), res.TokenStream.String())
			assert.Equal(t, tt.want.AuxData, res.AuxData)
			assert.Equal(t, tt.want.Diagnostics, res.Diagnostics)
			assert.Equal(t, 1, mod.Calls(plugins.SymbolFreeResult))
			assert.Zero(t, mod.Heap().Live())
			assert.Empty(t, mod.Heap().Violations())
		})
	}
}

func TestPluginAuxDataHandler(t *testing.T) {
	t.Parallel()

	var got []macro.AuxData
	mod := sdkModule(
		func(macro.TokenStream) macro.Result { return macro.Leave() },
		macroplugin.WithAuxDataHandler(func(items []macro.AuxData) {
			got = append(got, items...)
		}),
	)
	inst := load(t, mod)

	items := []macro.AuxData{
		macro.NewAuxData([]byte("first")),
		macro.NewAuxData([]byte("second")),
	}
	require.NoError(t, inst.PropagateAuxData(context.Background(), items))

	assert.Equal(t, items, got)
	assert.Equal(t, 1, mod.Calls(plugins.SymbolAuxDataCallback))
	assert.Zero(t, mod.Heap().Live())
	assert.Empty(t, mod.Heap().Violations())
}

func TestPluginAuxDataWithoutHandler(t *testing.T) {
	t.Parallel()

	mod := sdkModule(func(macro.TokenStream) macro.Result { return macro.Leave() })
	inst := load(t, mod)

	require.NoError(t, inst.PropagateAuxData(context.Background(), []macro.AuxData{macro.NewAuxData([]byte("a"))}))

	assert.Zero(t, mod.Heap().Live())
	assert.Empty(t, mod.Heap().Violations())
}

func TestPluginPanicsOnBadInput(t *testing.T) {
	t.Parallel()

	heap := plugintest.NewHeap(64)
	p := macroplugin.New(heap, func(ts macro.TokenStream) macro.Result { return macro.Replace(ts, nil) })

	assert.Panics(t, func() { p.Expand(60, 32) })
	assert.Panics(t, func() { p.FreeResult(1 << 20) })
}

func TestPluginAllocate(t *testing.T) {
	t.Parallel()

	heap := plugintest.NewHeap(64)
	p := macroplugin.New(heap, func(macro.TokenStream) macro.Result { return macro.Leave() })

	ptr := p.Allocate(16)
	assert.NotZero(t, ptr)
	assert.Zero(t, p.Allocate(1024), "out of memory is reported as a null pointer")

	p.Deallocate(ptr, 16)
	assert.Zero(t, heap.Live())
}
