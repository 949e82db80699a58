// Package plugins loads procedural macro plugin modules and drives their stable-ABI entry points.
package plugins

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrei-cloud/procmacro/pkg/abi"
	"github.com/tetratelabs/wazero/api"
)

// Function is a foreign function exported by a loaded module.
// wazero's api.Function satisfies it.
type Function interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Module is the handle of one loaded plugin module.
//
// Every Function obtained from it borrows the handle: none may be called after Close.
type Module interface {
	Name() string
	// ExportedFunction returns nil when the module does not export name.
	ExportedFunction(name string) Function
	// Memory returns nil when the module exports no memory.
	Memory() abi.Memory
	Close(ctx context.Context) error
}

// Loader opens plugin modules from disk.
type Loader interface {
	Open(ctx context.Context, path string) (Module, error)
}

// moduleSpace places host-owned wire values in a module's memory through its allocator exports.
type moduleSpace struct {
	mem        abi.Memory
	allocate   Function
	deallocate Function
}

func (s moduleSpace) Memory() abi.Memory {
	return s.mem
}

// Allocate reserves size bytes through the module's allocate export.
func (s moduleSpace) Allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := s.allocate.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("allocate failed: %w", err)
	}
	if len(results) < 1 {
		return 0, errors.New("allocate returned no results")
	}

	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, errors.New("allocate returned a null pointer")
	}

	return ptr, nil
}

// Deallocate returns a region to the module's allocator.
func (s moduleSpace) Deallocate(ctx context.Context, ptr, size uint32) error {
	if _, err := s.deallocate.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return fmt.Errorf("deallocate failed: %w", err)
	}

	return nil
}
