// Package macro defines the host-native values exchanged with procedural macro plugins.
package macro

import "strings"

// TokenStream is a span of source code wrapped for transformation.
type TokenStream struct {
	value string
}

// NewTokenStream wraps source text into a token stream.
func NewTokenStream(code string) TokenStream {
	return TokenStream{value: code}
}

// String returns the source text of the token stream.
func (t TokenStream) String() string {
	return t.value
}

// Len returns the size of the encoded text in bytes.
func (t TokenStream) Len() int {
	return len(t.value)
}

// IsEmpty reports whether the token stream carries no text.
func (t TokenStream) IsEmpty() bool {
	return strings.TrimSpace(t.value) == ""
}

// AuxData is opaque metadata attached to an expansion result.
type AuxData []byte

// NewAuxData copies b into a new AuxData value.
func NewAuxData(b []byte) AuxData {
	return append(AuxData(nil), b...)
}

// Bytes returns the raw payload.
func (a AuxData) Bytes() []byte {
	return a
}

// Severity classifies a diagnostic.
type Severity uint32

const (
	SeverityError   Severity = 1
	SeverityWarning Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Diagnostic is a message emitted by a plugin during expansion.
type Diagnostic struct {
	Message  string
	Severity Severity
}

// Error builds an error diagnostic.
func Error(msg string) Diagnostic {
	return Diagnostic{Message: msg, Severity: SeverityError}
}

// Warn builds a warning diagnostic.
func Warn(msg string) Diagnostic {
	return Diagnostic{Message: msg, Severity: SeverityWarning}
}

// ResultKind tells the host what to do with the item a macro was applied to.
type ResultKind uint32

const (
	// ResultLeave keeps the original item untouched.
	ResultLeave ResultKind = 0
	// ResultReplace swaps the item for the returned token stream.
	ResultReplace ResultKind = 1
	// ResultRemove deletes the item.
	ResultRemove ResultKind = 2
)

func (k ResultKind) String() string {
	switch k {
	case ResultLeave:
		return "leave"
	case ResultReplace:
		return "replace"
	case ResultRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// Valid reports whether k is one of the known result kinds.
func (k ResultKind) Valid() bool {
	return k <= ResultRemove
}

// Result is the outcome of a transformation.
type Result struct {
	Kind        ResultKind
	TokenStream TokenStream
	AuxData     *AuxData
	Diagnostics []Diagnostic
}

// Leave builds a result that keeps the original item.
func Leave(diagnostics ...Diagnostic) Result {
	return Result{Kind: ResultLeave, Diagnostics: diagnostics}
}

// Replace builds a result that replaces the item with ts.
// aux may be nil.
func Replace(ts TokenStream, aux *AuxData, diagnostics ...Diagnostic) Result {
	return Result{Kind: ResultReplace, TokenStream: ts, AuxData: aux, Diagnostics: diagnostics}
}

// Remove builds a result that deletes the item.
func Remove(diagnostics ...Diagnostic) Result {
	return Result{Kind: ResultRemove, Diagnostics: diagnostics}
}

// HasErrors reports whether any diagnostic has error severity.
func (r Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}

	return false
}
