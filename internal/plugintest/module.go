package plugintest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/pkg/abi"
	"github.com/andrei-cloud/procmacro/pkg/macro"
)

// ErrModuleClosed is returned by exports of a closed module.
var ErrModuleClosed = errors.New("plugintest: module closed")

// Func is an exported function implemented in Go.
type Func func(ctx context.Context, params ...uint64) ([]uint64, error)

// Call invokes f.
func (f Func) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f(ctx, params...)
}

// Trap returns an export that always fails with msg, like a trapping plugin.
func Trap(msg string) Func {
	return func(context.Context, ...uint64) ([]uint64, error) {
		return nil, errors.New(msg)
	}
}

// Module is an in-memory plugin module.
// A new Module exports memory, allocate and deallocate backed by its Heap.
type Module struct {
	name string
	heap *Heap

	mu        sync.Mutex
	exports   map[string]Func
	noMemory  bool
	calls     map[string]int
	received  [][]macro.AuxData
	closed    bool
	closeHits int
}

// NewModule returns a module exporting only its allocator.
func NewModule(name string) *Module {
	m := &Module{
		name:    name,
		heap:    NewHeap(DefaultHeapSize),
		exports: make(map[string]Func),
		calls:   make(map[string]int),
	}

	m.exports[plugins.SymbolAllocate] = func(ctx context.Context, params ...uint64) ([]uint64, error) {
		ptr, err := m.heap.Allocate(ctx, uint32(params[0]))
		if err != nil {
			// Guest allocators report failure with a null pointer.
			return []uint64{0}, nil
		}

		return []uint64{uint64(ptr)}, nil
	}
	m.exports[plugins.SymbolDeallocate] = func(ctx context.Context, params ...uint64) ([]uint64, error) {
		return nil, m.heap.Deallocate(ctx, uint32(params[0]), uint32(params[1]))
	}

	return m
}

// NewMacroModule returns a module implementing every protocol v0 entry point.
// expand applies transform; aux_data_callback records what it receives and hands the slice back.
func NewMacroModule(name string, transform func(macro.TokenStream) macro.Result) *Module {
	m := NewModule(name)

	m.exports[plugins.SymbolExpand] = func(ctx context.Context, params ...uint64) ([]uint64, error) {
		in := abi.TokenStream{Ptr: uint32(params[0]), Len: uint32(params[1])}
		ts, err := abi.ReadTokenStream(m.heap, in)
		if err != nil {
			return nil, err
		}

		out, err := abi.EncodeResult(ctx, m.heap, transform(ts))
		if err != nil {
			return nil, err
		}

		return []uint64{abi.PackWrapper(in.Ptr, out.Ptr)}, nil
	}

	m.exports[plugins.SymbolFreeResult] = func(ctx context.Context, params ...uint64) ([]uint64, error) {
		return nil, abi.FreeResult(ctx, m.heap, abi.MacroResult{Ptr: uint32(params[0])})
	}

	m.exports[plugins.SymbolAuxDataCallback] = func(_ context.Context, params ...uint64) ([]uint64, error) {
		in := abi.Slice{Ptr: uint32(params[0]), Len: uint32(params[1])}
		items, err := abi.ReadAuxSlice(m.heap, in)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.received = append(m.received, items)
		m.mu.Unlock()

		return []uint64{abi.PackSlice(in)}, nil
	}

	return m
}

// Uppercase returns a macro module replacing its input with the upper-cased text.
func Uppercase(name string) *Module {
	return NewMacroModule(name, func(ts macro.TokenStream) macro.Result {
		return macro.Replace(macro.NewTokenStream(strings.ToUpper(ts.String())), nil)
	})
}

// Identity returns a macro module replacing its input with itself.
func Identity(name string) *Module {
	return NewMacroModule(name, func(ts macro.TokenStream) macro.Result {
		return macro.Replace(ts, nil)
	})
}

// Export adds or replaces an export.
func (m *Module) Export(name string, fn Func) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.exports[name] = fn

	return m
}

// Without removes exports. Removing plugins.SymbolMemory hides the memory.
func (m *Module) Without(names ...string) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if name == plugins.SymbolMemory {
			m.noMemory = true
		}
		delete(m.exports, name)
	}

	return m
}

// Heap returns the module's memory and allocator.
func (m *Module) Heap() *Heap {
	return m.heap
}

// Calls returns how many times the export name was called.
func (m *Module) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[name]
}

// ReceivedAux returns the slices passed to aux_data_callback, in call order.
func (m *Module) ReceivedAux() [][]macro.AuxData {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([][]macro.AuxData(nil), m.received...)
}

// Closed reports whether Close was called.
func (m *Module) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// CloseCalls returns how many times Close was called.
func (m *Module) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeHits
}

// Name implements plugins.Module.
func (m *Module) Name() string {
	return m.name
}

// ExportedFunction implements plugins.Module.
func (m *Module) ExportedFunction(name string) plugins.Function {
	m.mu.Lock()
	fn, ok := m.exports[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	return Func(func(ctx context.Context, params ...uint64) ([]uint64, error) {
		m.mu.Lock()
		m.calls[name]++
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, fmt.Errorf("%s: %w", name, ErrModuleClosed)
		}

		return fn(ctx, params...)
	})
}

// Memory implements plugins.Module.
func (m *Module) Memory() abi.Memory {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.noMemory {
		return nil
	}

	return m.heap
}

// Close implements plugins.Module.
func (m *Module) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.closeHits++

	return nil
}
