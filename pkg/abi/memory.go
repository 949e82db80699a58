// Package abi implements the stable wire format shared by the macro host and its plugins.
//
// Every value that crosses the plugin boundary is a flat, little-endian structure
// placed in the plugin module's linear memory. Values allocated by the host are
// wrapped in Owned and must be passed to exactly one of the Take functions,
// Owned.Release or Owned.Transfer. Values allocated by the plugin are only
// ever read here and are released by the plugin's own routines.
package abi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfBounds is returned when a wire value points outside module memory.
	ErrOutOfBounds = errors.New("wire value out of memory bounds")
	// ErrConsumed is returned when an owned wire value is used after it was taken, released or transferred.
	ErrConsumed = errors.New("wire value already consumed")
	// ErrTooLarge is returned when a host value does not fit the 32-bit wire format.
	ErrTooLarge = errors.New("value too large for wire format")
	// ErrInvalidKind is returned when a result record carries an unknown kind.
	ErrInvalidKind = errors.New("invalid result kind")
)

// Memory is the linear memory addressed by wire values.
// wazero's api.Memory satisfies it.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Space is a memory together with the allocator of the module that owns it.
type Space interface {
	Memory() Memory
	Allocate(ctx context.Context, size uint32) (uint32, error)
	Deallocate(ctx context.Context, ptr, size uint32) error
}

// region is one allocation backing a wire value.
type region struct {
	ptr  uint32
	size uint32
}

// readBytes copies n bytes at ptr out of module memory.
func readBytes(mem Memory, ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	data, ok := mem.Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("%w: read %d bytes at %#x", ErrOutOfBounds, n, ptr)
	}

	// Read returns a view into module memory which later calls may overwrite.
	return append([]byte(nil), data...), nil
}

// writeBytes copies data into module memory at ptr.
func writeBytes(mem Memory, ptr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if !mem.Write(ptr, data) {
		return fmt.Errorf("%w: write %d bytes at %#x", ErrOutOfBounds, len(data), ptr)
	}

	return nil
}

// readWords reads count little-endian u32 values starting at ptr.
func readWords(mem Memory, ptr, count uint32) ([]uint32, error) {
	if count > math.MaxUint32/4 {
		return nil, fmt.Errorf("%w: %d words at %#x", ErrOutOfBounds, count, ptr)
	}

	raw, err := readBytes(mem, ptr, count*4)
	if err != nil {
		return nil, err
	}

	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	return words, nil
}

// putWords encodes words as little-endian u32 values.
func putWords(dst []byte, words ...uint32) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint32(dst, w)
	}

	return dst
}

// wireLen converts a host length to its 32-bit wire form.
func wireLen(n int) (uint32, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	return uint32(n), nil
}

// allocWrite allocates len(data) bytes through sp and copies data into them.
// Empty data yields a zero pointer and no allocation.
func allocWrite(ctx context.Context, sp Space, data []byte) (region, error) {
	n, err := wireLen(len(data))
	if err != nil {
		return region{}, err
	}
	if n == 0 {
		return region{}, nil
	}

	ptr, err := sp.Allocate(ctx, n)
	if err != nil {
		return region{}, fmt.Errorf("allocate %d bytes: %w", n, err)
	}

	if err := writeBytes(sp.Memory(), ptr, data); err != nil {
		return region{}, errors.Join(err, sp.Deallocate(ctx, ptr, n))
	}

	return region{ptr: ptr, size: n}, nil
}

// freeRegions releases regions in reverse allocation order and joins every failure.
func freeRegions(ctx context.Context, sp Space, regions []region) error {
	var errs []error
	for i := len(regions) - 1; i >= 0; i-- {
		r := regions[i]
		if err := sp.Deallocate(ctx, r.ptr, r.size); err != nil {
			errs = append(errs, fmt.Errorf("deallocate %d bytes at %#x: %w", r.size, r.ptr, err))
		}
	}

	return errors.Join(errs...)
}
