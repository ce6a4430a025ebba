// Package fault defines the closed set of error kinds the translator can
// report, and the mapping from kinds to process exit codes.
package fault

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Kind: the closed error taxonomy
// ---------------------------------------------------------------------------

// Kind classifies a translation failure.
type Kind int

const (
	// MalformedInput is structural class-file damage.
	MalformedInput Kind = iota
	// LinkError is a missing class, missing member, supertype cycle, or
	// final-method override.
	LinkError
	// VerifyError is stack underflow, an unbalanced monitor, or an
	// unreachable join with an inconsistent stack.
	VerifyError
	// Unsupported is a bytecode feature the translator does not model.
	Unsupported
	// IOError is a failure at the filesystem boundary.
	IOError
	// Internal is an invariant violation inside the translator itself.
	Internal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case LinkError:
		return "link error"
	case VerifyError:
		return "verify error"
	case Unsupported:
		return "unsupported"
	case IOError:
		return "i/o error"
	case Internal:
		return "internal error"
	}
	return fmt.Sprintf("fault.Kind(%d)", int(k))
}

// ExitCode returns the process exit code for this kind per the CLI contract:
// 2 for input damage and link failures, 3 for everything that indicates a
// translator defect or unsupported construct, 1 for boundary I/O.
func (k Kind) ExitCode() int {
	switch k {
	case MalformedInput, LinkError:
		return 2
	case VerifyError, Unsupported, Internal:
		return 3
	case IOError:
		return 1
	}
	return 3
}

// ---------------------------------------------------------------------------
// Error: a fault with source context
// ---------------------------------------------------------------------------

// Error is a classified translation failure. Class, Method, and Offset
// locate the failure in the input program; zero values mean "not applicable"
// (Offset uses -1 for that).
type Error struct {
	Kind   Kind
	Class  string // internal slashed class name, if known
	Method string // name + descriptor, if known
	Offset int    // bytecode offset, -1 if not applicable
	Msg    string
	Cause  error
}

// New creates a fault with no source location.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// At creates a fault located in a class, optionally a method and offset.
func At(kind Kind, class, method string, offset int, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Class:  class,
		Method: method,
		Offset: offset,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a cause to an existing fault and returns it.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// Error formats the fault with whatever location context it carries.
func (e *Error) Error() string {
	s := e.Kind.String() + ": " + e.Msg
	if e.Class != "" {
		s += " (class " + e.Class
		if e.Method != "" {
			s += ", method " + e.Method
		}
		if e.Offset >= 0 {
			s += fmt.Sprintf(", offset %d", e.Offset)
		}
		s += ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ---------------------------------------------------------------------------
// Kind recovery
// ---------------------------------------------------------------------------

// KindOf recovers the fault kind from an arbitrary error chain.
// Non-fault errors classify as Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether the first fault error in err's chain (the one KindOf
// reads) has the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
