// Package tracehdr collects Linux tracepoint samples through a perf
// ring buffer and decodes EventHeader-convention payloads out of them.
//
// The byte reader, format parser/cache, EventHeader enumerator,
// ring-buffer session, and tracefs/provider-registration plumbing each
// live in their own internal package; this package is a thin facade
// tying them together plus the shared error taxonomy (spec §7).
package tracehdr

import "github.com/pkg/errors"

// Kind classifies what went wrong, mirroring the taxonomy every
// subpackage's own error type narrows down to (spec §7).
type Kind int

const (
	InvalidParameter Kind = iota
	NotSupported
	InvalidData
	ImplementationLimit
	StackOverflow
	NotFound
	PermissionDenied
	AlreadyExists
	KernelError
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case InvalidParameter:
		return "InvalidParameter"
	case NotSupported:
		return "NotSupported"
	case InvalidData:
		return "InvalidData"
	case ImplementationLimit:
		return "ImplementationLimit"
	case StackOverflow:
		return "StackOverflow"
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case AlreadyExists:
		return "AlreadyExists"
	case KernelError:
		return "KernelError"
	case OutOfMemory:
		return "OutOfMemory"
	default:
		return "Unknown"
	}
}

// Error is the module's public error type. It always wraps a cause via
// github.com/pkg/errors so errors.Cause(err) still reaches the
// original errno or lower-level error, the way the teacher's
// wrappedErrno preserves the underlying syscall.Errno.
type Error struct {
	Kind  Kind
	cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.cause.Error()
}

// Cause implements the github.com/pkg/errors interface so
// errors.Cause(err) unwraps past this type.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }
