package abi

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/valyala/bytebufferpool"
)

// Wire lists the wire values the host can own.
type Wire interface {
	TokenStream | Slice
}

// Owned is a wire value whose memory the host is responsible for.
//
// Exactly one of Release, Transfer or the matching Take function must be
// called on it. Any later attempt fails with ErrConsumed and touches no memory.
type Owned[W Wire] struct {
	space    Space
	wire     W
	regions  []region
	consumed bool
}

// Wire returns the wire value to pass across the boundary.
func (o *Owned[W]) Wire() W {
	return o.wire
}

// Consumed reports whether ownership has already been given up.
func (o *Owned[W]) Consumed() bool {
	return o.consumed
}

// Release frees the value without converting it to its native form.
func (o *Owned[W]) Release(ctx context.Context) error {
	if err := o.consume(); err != nil {
		return err
	}

	return freeRegions(ctx, o.space, o.regions)
}

// Transfer records that the plugin took ownership of the value.
// Nothing is freed on the host side.
func (o *Owned[W]) Transfer() error {
	return o.consume()
}

func (o *Owned[W]) consume() error {
	if o.consumed {
		return ErrConsumed
	}
	o.consumed = true

	return nil
}

// NewTokenStream converts ts to its wire form inside sp.
func NewTokenStream(ctx context.Context, sp Space, ts macro.TokenStream) (*Owned[TokenStream], error) {
	r, err := allocWrite(ctx, sp, []byte(ts.String()))
	if err != nil {
		return nil, fmt.Errorf("token stream to wire: %w", err)
	}

	o := &Owned[TokenStream]{space: sp, wire: TokenStream{Ptr: r.ptr, Len: r.size}}
	if r.size > 0 {
		o.regions = []region{r}
	}

	return o, nil
}

// AdoptTokenStream takes ownership of a token stream the plugin handed over.
func AdoptTokenStream(sp Space, w TokenStream) *Owned[TokenStream] {
	o := &Owned[TokenStream]{space: sp, wire: w}
	if w.Len > 0 {
		o.regions = []region{{ptr: w.Ptr, size: w.Len}}
	}

	return o
}

// TakeTokenStream converts an owned wire token stream back to native form and frees it.
func TakeTokenStream(ctx context.Context, o *Owned[TokenStream]) (macro.TokenStream, error) {
	if o.consumed {
		return macro.TokenStream{}, ErrConsumed
	}

	ts, readErr := ReadTokenStream(o.space.Memory(), o.wire)
	if err := o.Release(ctx); err != nil || readErr != nil {
		return macro.TokenStream{}, errors.Join(readErr, err)
	}

	return ts, nil
}

// NewAuxSlice converts items to a wire slice inside sp.
// An empty sequence is encoded as a zero slice and allocates nothing.
func NewAuxSlice(ctx context.Context, sp Space, items []macro.AuxData) (*Owned[Slice], error) {
	o := &Owned[Slice]{space: sp}
	if len(items) == 0 {
		return o, nil
	}

	count, err := wireLen(len(items))
	if err != nil || count > math.MaxUint32/AuxDescriptorSize {
		return nil, fmt.Errorf("aux data to wire: %w: %d items", ErrTooLarge, len(items))
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, item := range items {
		r, err := allocWrite(ctx, sp, item.Bytes())
		if err != nil {
			return nil, errors.Join(fmt.Errorf("aux data to wire: %w", err), freeRegions(ctx, sp, o.regions))
		}
		if r.size > 0 {
			o.regions = append(o.regions, r)
		}
		buf.B = putWords(buf.B, r.ptr, r.size)
	}

	arr, err := allocWrite(ctx, sp, buf.B)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("aux data to wire: %w", err), freeRegions(ctx, sp, o.regions))
	}
	o.regions = append(o.regions, arr)
	o.wire = Slice{Ptr: arr.ptr, Len: count}

	return o, nil
}

// AdoptAuxSlice takes ownership of a slice the plugin handed over.
// Releasing it frees every non-empty element buffer and exactly once the descriptor array,
// even when the slice is empty.
func AdoptAuxSlice(sp Space, w Slice) (*Owned[Slice], error) {
	descs, err := readDescriptors(sp.Memory(), w)
	if err != nil {
		return nil, fmt.Errorf("adopt aux data slice: %w", err)
	}

	o := &Owned[Slice]{space: sp, wire: w}
	for _, d := range descs {
		if d.Len > 0 {
			o.regions = append(o.regions, region{ptr: d.Ptr, size: d.Len})
		}
	}
	o.regions = append(o.regions, region{ptr: w.Ptr, size: w.Len * AuxDescriptorSize})

	return o, nil
}

// TakeAuxSlice converts an owned wire slice back to native form and frees it.
func TakeAuxSlice(ctx context.Context, o *Owned[Slice]) ([]macro.AuxData, error) {
	if o.consumed {
		return nil, ErrConsumed
	}

	items, readErr := ReadAuxSlice(o.space.Memory(), o.wire)
	if err := o.Release(ctx); err != nil || readErr != nil {
		return nil, errors.Join(readErr, err)
	}

	return items, nil
}

// ReadTokenStream copies a token stream out of memory without taking ownership.
func ReadTokenStream(mem Memory, w TokenStream) (macro.TokenStream, error) {
	b, err := readBytes(mem, w.Ptr, w.Len)
	if err != nil {
		return macro.TokenStream{}, fmt.Errorf("read token stream: %w", err)
	}

	return macro.NewTokenStream(string(b)), nil
}

// ReadAuxSlice copies every element of a slice out of memory without taking ownership.
func ReadAuxSlice(mem Memory, w Slice) ([]macro.AuxData, error) {
	descs, err := readDescriptors(mem, w)
	if err != nil {
		return nil, fmt.Errorf("read aux data slice: %w", err)
	}

	items := make([]macro.AuxData, 0, len(descs))
	for _, d := range descs {
		b, err := readBytes(mem, d.Ptr, d.Len)
		if err != nil {
			return nil, fmt.Errorf("read aux data: %w", err)
		}
		items = append(items, macro.NewAuxData(b))
	}

	return items, nil
}

func readDescriptors(mem Memory, w Slice) ([]AuxData, error) {
	if w.Len == 0 {
		return nil, nil
	}
	if w.Len > math.MaxUint32/AuxDescriptorSize {
		return nil, fmt.Errorf("%w: %d descriptors", ErrOutOfBounds, w.Len)
	}

	words, err := readWords(mem, w.Ptr, w.Len*2)
	if err != nil {
		return nil, err
	}

	descs := make([]AuxData, w.Len)
	for i := range descs {
		descs[i] = AuxData{Ptr: words[2*i], Len: words[2*i+1]}
	}

	return descs, nil
}
