// Package plugintest provides in-memory plugin modules for testing the host without compiling WebAssembly.
package plugintest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andrei-cloud/procmacro/pkg/abi"
)

// DefaultHeapSize is the memory size of a heap created by NewHeap.
const DefaultHeapSize = 1 << 16

const heapBase = 8

// ErrOutOfMemory is returned when an allocation does not fit the heap.
var ErrOutOfMemory = errors.New("plugintest: out of memory")

// Heap is a linear memory with a tracking bump allocator.
//
// It records every allocation and deallocation so tests can assert that the host
// frees exactly what it owns. Freeing (0, 0) is accepted and changes nothing.
type Heap struct {
	mu         sync.Mutex
	mem        []byte
	next       uint32
	live       map[uint32]uint32
	allocs     int
	deallocs   int
	violations []string
}

// NewHeap returns a heap of size bytes.
func NewHeap(size int) *Heap {
	return &Heap{
		mem:  make([]byte, size),
		next: heapBase,
		live: make(map[uint32]uint32),
	}
}

// Memory returns the heap itself.
func (h *Heap) Memory() abi.Memory {
	return h
}

// Read returns a view of byteCount bytes at offset.
func (h *Heap) Read(offset, byteCount uint32) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(h.mem)) {
		return nil, false
	}

	return h.mem[offset:end:end], true
}

// Write copies v to offset.
func (h *Heap) Write(offset uint32, v []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(h.mem)) {
		return false
	}
	copy(h.mem[offset:], v)

	return true
}

// Allocate reserves size bytes aligned to 8.
func (h *Heap) Allocate(_ context.Context, size uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ptr := h.next
	end := uint64(ptr) + uint64(max(size, 1))
	if end > uint64(len(h.mem)) {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}

	h.next = uint32((end + 7) &^ 7)
	h.live[ptr] = size
	h.allocs++

	return ptr, nil
}

// Deallocate releases an allocation made by Allocate.
// Unknown pointers and size mismatches are recorded as violations.
func (h *Heap) Deallocate(_ context.Context, ptr, size uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deallocs++
	if ptr == 0 && size == 0 {
		return nil
	}

	got, ok := h.live[ptr]
	switch {
	case !ok:
		h.violations = append(h.violations, fmt.Sprintf("free of unknown pointer %#x (%d bytes)", ptr, size))
	case got != size:
		h.violations = append(h.violations, fmt.Sprintf("free of %#x with size %d, allocated %d", ptr, size, got))
	default:
		delete(h.live, ptr)
	}

	return nil
}

// Live returns the number of allocations not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.live)
}

// Allocations returns the number of Allocate calls that succeeded.
func (h *Heap) Allocations() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.allocs
}

// Deallocations returns the number of Deallocate calls, including no-op frees of (0, 0).
func (h *Heap) Deallocations() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.deallocs
}

// Violations lists invalid or repeated frees.
func (h *Heap) Violations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.violations...)
}
