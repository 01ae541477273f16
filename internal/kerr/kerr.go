// Package kerr defines the discriminated failure codes of the scheduling
// and interrupt-delivery core (spec §7). The core never panics on a
// recoverable error; every fallible operation returns a *kerr.Error instead.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a recoverable failure kind.
type Code int

const (
	// InvalidParameter covers a null thread pointer or an affinity mask
	// that does not intersect the online set.
	InvalidParameter Code = iota + 1
	// InvalidThreadID is raised on a thread-id lookup miss.
	InvalidThreadID
	// InvalidPriorityClass is raised for an out-of-range scheduling class.
	InvalidPriorityClass
	// InvalidPriorityDelta is raised for an out-of-range OS/2 priority delta.
	InvalidPriorityDelta
	// NotFrozen is raised by resume when suspend-count is already zero.
	NotFrozen
	// CritSecUnderflow is raised by exit-critical when the count is zero.
	CritSecUnderflow
	// OutOfMemory is raised when per-CPU info or stack allocation fails.
	OutOfMemory
	// APTimeout is raised when an AP does not signal ready within the
	// configured timeout.
	APTimeout
	// APICTimeout is raised when an xAPIC delivery-status bit never clears.
	APICTimeout
	// TopologyInconsistent is raised for a malformed topology snapshot.
	TopologyInconsistent
)

var names = map[Code]string{
	InvalidParameter:      "InvalidParameter",
	InvalidThreadID:       "InvalidThreadID",
	InvalidPriorityClass:  "InvalidPriorityClass",
	InvalidPriorityDelta:  "InvalidPriorityDelta",
	NotFrozen:             "NotFrozen",
	CritSecUnderflow:      "CritSecUnderflow",
	OutOfMemory:           "OutOfMemory",
	APTimeout:             "APTimeout",
	APICTimeout:           "APICTimeout",
	TopologyInconsistent:  "TopologyInconsistent",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a discriminated, stack-traced failure. It wraps github.com/pkg/errors
// so callers retain the originating frame without the core ever panicking.
type Error struct {
	code  Code
	cause error
}

// New builds an *Error for code with a formatted message, attaching a stack
// trace at the call site.
func New(code Code, format string, args ...any) *Error {
	return &Error{code: code, cause: errors.Errorf(format, args...)}
}

// Wrap attaches code and a stack trace to an existing error.
func Wrap(code Code, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: errors.Wrap(err, msg)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.code, e.cause)
}

// Code returns the discriminated failure kind.
func (e *Error) Code() Code {
	return e.code
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether err is a *kerr.Error carrying code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.code == code
}
