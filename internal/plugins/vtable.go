package plugins

import (
	"context"
	"errors"

	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/pkg/abi"
)

// Entry points of protocol version 0.
const (
	SymbolExpand          = "expand"
	SymbolFreeResult      = "free_result"
	SymbolAuxDataCallback = "aux_data_callback"
)

// Allocator exports every module must provide so the host can place values in its memory.
const (
	SymbolAllocate   = "allocate"
	SymbolDeallocate = "deallocate"
	SymbolMemory     = "memory"
)

// ProtocolV0 lists the version 0 entry points in resolution order.
var ProtocolV0 = []string{SymbolExpand, SymbolFreeResult, SymbolAuxDataCallback}

var errNoResult = errors.New("entry point returned no result")

// expandFn is a resolved expand entry point.
type expandFn struct {
	pkg packages.PackageID
	fn  Function
}

func (e expandFn) call(ctx context.Context, in abi.TokenStream) (abi.ResultWrapper, error) {
	results, err := e.fn.Call(ctx, uint64(in.Ptr), uint64(in.Len))
	if err == nil && len(results) < 1 {
		err = errNoResult
	}
	if err != nil {
		return abi.ResultWrapper{}, &CallError{Package: e.pkg, Symbol: SymbolExpand, Err: err}
	}

	return abi.UnpackWrapper(results[0], in.Len), nil
}

// freeResultFn is a resolved free_result entry point.
type freeResultFn struct {
	pkg packages.PackageID
	fn  Function
}

func (f freeResultFn) call(ctx context.Context, res abi.MacroResult) error {
	if _, err := f.fn.Call(ctx, uint64(res.Ptr)); err != nil {
		return &CallError{Package: f.pkg, Symbol: SymbolFreeResult, Err: err}
	}

	return nil
}

// auxDataCallbackFn is a resolved aux_data_callback entry point.
type auxDataCallbackFn struct {
	pkg packages.PackageID
	fn  Function
}

func (a auxDataCallbackFn) call(ctx context.Context, in abi.Slice) (abi.Slice, error) {
	results, err := a.fn.Call(ctx, uint64(in.Ptr), uint64(in.Len))
	if err == nil && len(results) < 1 {
		err = errNoResult
	}
	if err != nil {
		return abi.Slice{}, &CallError{Package: a.pkg, Symbol: SymbolAuxDataCallback, Err: err}
	}

	return abi.UnpackSlice(results[0]), nil
}

// VTableV0 holds the resolved entry points of protocol version 0.
// It can only be obtained from ResolveV0, so every handle in it is known to exist.
type VTableV0 struct {
	expand          expandFn
	freeResult      freeResultFn
	auxDataCallback auxDataCallbackFn
}

// ResolveV0 looks up the version 0 entry points of m in order and fails on the first missing one.
// Signatures are not verified.
func ResolveV0(pkg packages.PackageID, m Module) (*VTableV0, error) {
	fns := make([]Function, 0, len(ProtocolV0))
	for _, name := range ProtocolV0 {
		fn := m.ExportedFunction(name)
		if fn == nil {
			return nil, &MissingSymbolError{Package: pkg, Symbol: name}
		}
		fns = append(fns, fn)
	}

	return &VTableV0{
		expand:          expandFn{pkg: pkg, fn: fns[0]},
		freeResult:      freeResultFn{pkg: pkg, fn: fns[1]},
		auxDataCallback: auxDataCallbackFn{pkg: pkg, fn: fns[2]},
	}, nil
}

// resolveSpace looks up the memory and allocator exports of m.
func resolveSpace(pkg packages.PackageID, m Module) (moduleSpace, error) {
	mem := m.Memory()
	if mem == nil {
		return moduleSpace{}, &MissingSymbolError{Package: pkg, Symbol: SymbolMemory}
	}

	allocate := m.ExportedFunction(SymbolAllocate)
	if allocate == nil {
		return moduleSpace{}, &MissingSymbolError{Package: pkg, Symbol: SymbolAllocate}
	}

	deallocate := m.ExportedFunction(SymbolDeallocate)
	if deallocate == nil {
		return moduleSpace{}, &MissingSymbolError{Package: pkg, Symbol: SymbolDeallocate}
	}

	return moduleSpace{mem: mem, allocate: allocate, deallocate: deallocate}, nil
}
