// Package macroplugin provides the plugin side of the procedural macro protocol.
//
// A plugin wraps its transformation in a Plugin and forwards its exported
// functions to it:
//
//	var p = macroplugin.Default(expandFn)
//
//	//go:wasmexport expand
//	func expand(ptr, size uint32) uint64 { return p.Expand(ptr, size) }
//
// Build the plugin with GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared.
package macroplugin

import (
	"context"
	"fmt"

	"github.com/andrei-cloud/procmacro/pkg/abi"
	"github.com/andrei-cloud/procmacro/pkg/macro"
)

// ExpandFunc transforms a token stream.
type ExpandFunc func(macro.TokenStream) macro.Result

// AuxDataFunc receives aux data collected by the host.
type AuxDataFunc func([]macro.AuxData)

// Plugin implements the exported entry points of a macro plugin on top of a memory space.
// Failures panic, which the host observes as a trap.
type Plugin struct {
	space  abi.Space
	expand ExpandFunc
	aux    AuxDataFunc
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithAuxDataHandler sets the function aux_data_callback passes received data to.
func WithAuxDataHandler(fn AuxDataFunc) Option {
	return func(p *Plugin) {
		p.aux = fn
	}
}

// New returns a Plugin allocating in space.
func New(space abi.Space, expand ExpandFunc, opts ...Option) *Plugin {
	p := &Plugin{space: space, expand: expand}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Expand implements the expand export. The input stays owned by the host.
func (p *Plugin) Expand(ptr, size uint32) uint64 {
	ctx := context.Background()
	in := abi.TokenStream{Ptr: ptr, Len: size}

	ts, err := abi.ReadTokenStream(p.space.Memory(), in)
	if err != nil {
		panic(fmt.Sprintf("expand: %v", err))
	}

	out, err := abi.EncodeResult(ctx, p.space, p.expand(ts))
	if err != nil {
		panic(fmt.Sprintf("expand: %v", err))
	}

	return abi.PackWrapper(in.Ptr, out.Ptr)
}

// FreeResult implements the free_result export.
func (p *Plugin) FreeResult(ptr uint32) {
	if err := abi.FreeResult(context.Background(), p.space, abi.MacroResult{Ptr: ptr}); err != nil {
		panic(fmt.Sprintf("free_result: %v", err))
	}
}

// AuxDataCallback implements the aux_data_callback export.
// The received slice is handed back for the host to free.
func (p *Plugin) AuxDataCallback(ptr, size uint32) uint64 {
	in := abi.Slice{Ptr: ptr, Len: size}

	if p.aux != nil {
		items, err := abi.ReadAuxSlice(p.space.Memory(), in)
		if err != nil {
			panic(fmt.Sprintf("aux_data_callback: %v", err))
		}
		p.aux(items)
	}

	return abi.PackSlice(in)
}

// Allocate implements the allocate export. It returns 0 when out of memory.
func (p *Plugin) Allocate(size uint32) uint32 {
	ptr, err := p.space.Allocate(context.Background(), size)
	if err != nil {
		return 0
	}

	return ptr
}

// Deallocate implements the deallocate export.
func (p *Plugin) Deallocate(ptr, size uint32) {
	if err := p.space.Deallocate(context.Background(), ptr, size); err != nil {
		panic(fmt.Sprintf("deallocate: %v", err))
	}
}
