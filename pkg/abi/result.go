package abi

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/andrei-cloud/procmacro/pkg/macro"
)

// resultRecord is the decoded form of the 32-byte result record.
type resultRecord struct {
	kind     uint32
	ts       TokenStream
	hasAux   bool
	aux      AuxData
	diagPtr  uint32
	diagLen  uint32
	diagRecs []diagnosticRecord
}

type diagnosticRecord struct {
	severity uint32
	msg      TokenStream
}

func readRecord(mem Memory, w MacroResult) (resultRecord, error) {
	words, err := readWords(mem, w.Ptr, ResultRecordSize/4)
	if err != nil {
		return resultRecord{}, err
	}

	rec := resultRecord{
		kind:    words[0],
		ts:      TokenStream{Ptr: words[1], Len: words[2]},
		hasAux:  words[3] != 0,
		aux:     AuxData{Ptr: words[4], Len: words[5]},
		diagPtr: words[6],
		diagLen: words[7],
	}
	if !macro.ResultKind(rec.kind).Valid() {
		return resultRecord{}, fmt.Errorf("%w: %d", ErrInvalidKind, rec.kind)
	}

	if rec.diagLen == 0 {
		return rec, nil
	}
	if rec.diagLen > math.MaxUint32/DiagnosticRecordSize {
		return resultRecord{}, fmt.Errorf("%w: %d diagnostics", ErrOutOfBounds, rec.diagLen)
	}

	dw, err := readWords(mem, rec.diagPtr, rec.diagLen*3)
	if err != nil {
		return resultRecord{}, fmt.Errorf("read diagnostics: %w", err)
	}
	rec.diagRecs = make([]diagnosticRecord, rec.diagLen)
	for i := range rec.diagRecs {
		rec.diagRecs[i] = diagnosticRecord{
			severity: dw[3*i],
			msg:      TokenStream{Ptr: dw[3*i+1], Len: dw[3*i+2]},
		}
	}

	return rec, nil
}

// regions lists every allocation behind the record, the record itself last.
func (rec resultRecord) regions(self uint32) []region {
	var out []region
	if rec.ts.Len > 0 {
		out = append(out, region{ptr: rec.ts.Ptr, size: rec.ts.Len})
	}
	if rec.hasAux && rec.aux.Len > 0 {
		out = append(out, region{ptr: rec.aux.Ptr, size: rec.aux.Len})
	}
	for _, d := range rec.diagRecs {
		if d.msg.Len > 0 {
			out = append(out, region{ptr: d.msg.Ptr, size: d.msg.Len})
		}
	}
	if rec.diagLen > 0 {
		out = append(out, region{ptr: rec.diagPtr, size: rec.diagLen * DiagnosticRecordSize})
	}

	return append(out, region{ptr: self, size: ResultRecordSize})
}

// ReadResult converts a plugin-allocated result to native form.
// The record stays owned by the plugin and must still be passed to free_result.
func ReadResult(mem Memory, w MacroResult) (macro.Result, error) {
	rec, err := readRecord(mem, w)
	if err != nil {
		return macro.Result{}, fmt.Errorf("read macro result: %w", err)
	}

	ts, err := ReadTokenStream(mem, rec.ts)
	if err != nil {
		return macro.Result{}, fmt.Errorf("read macro result: %w", err)
	}

	res := macro.Result{Kind: macro.ResultKind(rec.kind), TokenStream: ts}
	if rec.hasAux {
		b, err := readBytes(mem, rec.aux.Ptr, rec.aux.Len)
		if err != nil {
			return macro.Result{}, fmt.Errorf("read macro result aux data: %w", err)
		}
		aux := macro.NewAuxData(b)
		res.AuxData = &aux
	}

	for _, d := range rec.diagRecs {
		msg, err := readBytes(mem, d.msg.Ptr, d.msg.Len)
		if err != nil {
			return macro.Result{}, fmt.Errorf("read macro result diagnostic: %w", err)
		}
		res.Diagnostics = append(res.Diagnostics, macro.Diagnostic{
			Message:  string(msg),
			Severity: macro.Severity(d.severity),
		})
	}

	return res, nil
}

// EncodeResult writes r into sp as a result record owned by the allocating side.
// It is the plugin half of the expand contract; FreeResult undoes it.
func EncodeResult(ctx context.Context, sp Space, r macro.Result) (MacroResult, error) {
	if !r.Kind.Valid() {
		return MacroResult{}, fmt.Errorf("%w: %d", ErrInvalidKind, r.Kind)
	}

	var regions []region
	fail := func(err error) (MacroResult, error) {
		return MacroResult{}, errors.Join(fmt.Errorf("encode macro result: %w", err), freeRegions(ctx, sp, regions))
	}
	alloc := func(data []byte) (region, error) {
		reg, err := allocWrite(ctx, sp, data)
		if err == nil && reg.size > 0 {
			regions = append(regions, reg)
		}

		return reg, err
	}

	ts, err := alloc([]byte(r.TokenStream.String()))
	if err != nil {
		return fail(err)
	}

	var hasAux uint32
	var aux region
	if r.AuxData != nil {
		hasAux = 1
		if aux, err = alloc(r.AuxData.Bytes()); err != nil {
			return fail(err)
		}
	}

	var diagArr region
	diagCount, err := wireLen(len(r.Diagnostics))
	if err != nil {
		return fail(err)
	}
	if diagCount > 0 {
		recs := make([]byte, 0, len(r.Diagnostics)*DiagnosticRecordSize)
		for _, d := range r.Diagnostics {
			msg, err := alloc([]byte(d.Message))
			if err != nil {
				return fail(err)
			}
			recs = putWords(recs, uint32(d.Severity), msg.ptr, msg.size)
		}
		if diagArr, err = alloc(recs); err != nil {
			return fail(err)
		}
	}

	record := putWords(make([]byte, 0, ResultRecordSize),
		uint32(r.Kind),
		ts.ptr, ts.size,
		hasAux, aux.ptr, aux.size,
		diagArr.ptr, diagCount,
	)
	self, err := alloc(record)
	if err != nil {
		return fail(err)
	}

	return MacroResult{Ptr: self.ptr}, nil
}

// FreeResult releases every allocation behind a record produced by EncodeResult.
func FreeResult(ctx context.Context, sp Space, w MacroResult) error {
	rec, err := readRecord(sp.Memory(), w)
	if err != nil {
		return fmt.Errorf("free macro result: %w", err)
	}

	return freeRegions(ctx, sp, rec.regions(w.Ptr))
}
