package abi

// Layout of the plugin-allocated result record, in bytes.
const (
	ResultRecordSize     = 32
	DiagnosticRecordSize = 12
	AuxDescriptorSize    = 8
)

// TokenStream is the wire form of a token stream: a view of UTF-8 bytes.
type TokenStream struct {
	Ptr uint32
	Len uint32
}

// AuxData is the wire form of one auxiliary data payload.
type AuxData struct {
	Ptr uint32
	Len uint32
}

// Slice is a length+pointer view of Len consecutive AuxData descriptors.
type Slice struct {
	Ptr uint32
	Len uint32
}

// MacroResult addresses a result record allocated by the plugin.
type MacroResult struct {
	Ptr uint32
}

// ResultWrapper is what expand hands back: the input it was given and the output it allocated.
type ResultWrapper struct {
	Input  TokenStream
	Output MacroResult
}

// PackWrapper encodes a wrapper as the i64 returned by expand.
// The input length is implied by the call and not transmitted.
func PackWrapper(inputPtr, outputPtr uint32) uint64 {
	return uint64(inputPtr)<<32 | uint64(outputPtr)
}

// UnpackWrapper decodes the i64 returned by expand for an input of inputLen bytes.
func UnpackWrapper(packed uint64, inputLen uint32) ResultWrapper {
	return ResultWrapper{
		Input:  TokenStream{Ptr: uint32(packed >> 32), Len: inputLen},
		Output: MacroResult{Ptr: uint32(packed)},
	}
}

// PackSlice encodes a slice as ptr<<32|len.
func PackSlice(s Slice) uint64 {
	return uint64(s.Ptr)<<32 | uint64(s.Len)
}

// UnpackSlice decodes a packed ptr<<32|len slice.
func UnpackSlice(packed uint64) Slice {
	return Slice{Ptr: uint32(packed >> 32), Len: uint32(packed)}
}
