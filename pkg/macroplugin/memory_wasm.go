//go:build wasip1

package macroplugin

import (
	"context"
	"errors"
	"unsafe"

	"github.com/andrei-cloud/procmacro/pkg/abi"
)

// linearMemory is the plugin's own linear memory.
// Allocations are Go slices kept reachable in live until deallocated.
type linearMemory struct {
	live map[uint32][]byte
}

// Default returns a Plugin allocating in the module's own linear memory.
func Default(expand ExpandFunc, opts ...Option) *Plugin {
	return New(&linearMemory{live: make(map[uint32][]byte)}, expand, opts...)
}

func (m *linearMemory) Memory() abi.Memory {
	return m
}

// Read returns a view of byteCount bytes at offset.
//
//nolint:gosec // allow unsafe pointer usage.
func (m *linearMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if byteCount == 0 {
		return nil, true
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), byteCount), true
}

// Write copies v into memory at offset.
func (m *linearMemory) Write(offset uint32, v []byte) bool {
	dst, _ := m.Read(offset, uint32(len(v)))
	copy(dst, v)

	return true
}

func (m *linearMemory) Allocate(_ context.Context, size uint32) (uint32, error) {
	buf := make([]byte, max(size, 1))
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	m.live[ptr] = buf

	return ptr, nil
}

func (m *linearMemory) Deallocate(_ context.Context, ptr, _ uint32) error {
	if ptr == 0 {
		return nil
	}
	if _, ok := m.live[ptr]; !ok {
		return errors.New("deallocate of unknown pointer")
	}
	delete(m.live, ptr)

	return nil
}
