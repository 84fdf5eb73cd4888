// Package compileerr defines the typed error kinds returned from every
// stage of the translation pipeline (spec §7). No stage panics on
// malformed or unsupported input; every failure is reported as one of
// these kinds, optionally wrapped with github.com/pkg/errors for a stack
// trace that the CLI prints only under --verbose.
package compileerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the typed error categories a compilation can fail with.
type Kind int

const (
	// MalformedModule indicates the WASM binary could not be parsed.
	MalformedModule Kind = iota
	// Unsupported indicates a construct outside this compiler's scope,
	// e.g. a floating-point operator reaching live code.
	Unsupported
	// UnresolvedImport indicates an import that neither the adapter merge
	// nor the static import map nor the intrinsic set could resolve.
	UnresolvedImport
	// SignatureMismatch indicates an adapter export whose signature does
	// not match the import it was meant to satisfy.
	SignatureMismatch
	// TableOutOfRange indicates a table/element access outside declared
	// bounds.
	TableOutOfRange
	// InvalidEncoding indicates the instruction encoder and decoder
	// disagreed; this is always an internal invariant violation.
	InvalidEncoding
	// FixupUnresolved indicates a call-site fixup referencing an unknown
	// callee survived to the end of the pipeline driver.
	FixupUnresolved
	// Internal indicates any other invariant violation.
	Internal
)

func (k Kind) String() string {
	switch k {
	case MalformedModule:
		return "malformed module"
	case Unsupported:
		return "unsupported"
	case UnresolvedImport:
		return "unresolved import"
	case SignatureMismatch:
		return "signature mismatch"
	case TableOutOfRange:
		return "table out of range"
	case InvalidEncoding:
		return "invalid encoding"
	case FixupUnresolved:
		return "fixup unresolved"
	case Internal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Error is the typed diagnostic returned from the compilation entrypoint.
// It carries an optional byte offset into the WASM binary, or function
// index, identifying where the condition was raised.
type Error struct {
	Kind   Kind
	Offset int64 // -1 when not applicable
	msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s (offset 0x%x)", e.Kind, e.msg, e.Offset)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap allows errors.Is/As to see through to the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// StackTrace exposes the pkg/errors stack trace when present, for
// --verbose diagnostics.
func (e *Error) StackTrace() errors.StackTrace {
	type stackTracer interface{ StackTrace() errors.StackTrace }
	if st, ok := e.cause.(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// New creates an Error of the given kind with no byte offset.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Offset: -1, msg: fmt.Sprintf(format, args...), cause: errors.New(fmt.Sprintf(format, args...))}
}

// NewAt creates an Error of the given kind tagged with a byte offset.
func NewAt(k Kind, offset int64, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Offset: offset, msg: fmt.Sprintf(format, args...), cause: errors.New(fmt.Sprintf(format, args...))}
}

// Wrap attaches a pkg/errors stack trace to cause and classifies it under
// kind k, preserving the original message.
func Wrap(k Kind, cause error) *Error {
	return &Error{Kind: k, Offset: -1, msg: cause.Error(), cause: errors.WithStack(cause)}
}

// Is reports whether err is a compileerr.Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
