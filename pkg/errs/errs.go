// Package errs defines the wire-level error kinds that cross the TCU
// syscall and tmcall boundaries, plus helpers for wrapping them
// with internal causal context without losing the kind a caller needs to
// switch on.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the fixed set of error codes that can be returned from a
// syscall, tmcall, or send-queue operation. Only the kind crosses the
// wire; any wrapped cause is kernel/tilemux-internal.
type Kind int

const (
	Success Kind = iota
	InvArgs
	NoSpace
	NotSup
	NoPerm
	RecvGone
	Timeout
	WouldBlock
	Exists
	NoSuchFile
	Utf8Error
	EndOfFile
	InvalidEP
	InvalidCmd
	PageFault
	Abort
	Unspecified
)

var names = map[Kind]string{
	Success:     "Success",
	InvArgs:     "InvArgs",
	NoSpace:     "NoSpace",
	NotSup:      "NotSup",
	NoPerm:      "NoPerm",
	RecvGone:    "RecvGone",
	Timeout:     "Timeout",
	WouldBlock:  "WouldBlock",
	Exists:      "Exists",
	NoSuchFile:  "NoSuchFile",
	Utf8Error:   "Utf8Error",
	EndOfFile:   "EndOfFile",
	InvalidEP:   "InvalidEP",
	InvalidCmd:  "InvalidCmd",
	PageFault:   "PageFault",
	Abort:       "Abort",
	Unspecified: "Unspecified",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error binds a Kind to an optional internal cause. Internal kernel
// functions return a *Error (or nil); syscall handlers reduce it to the
// bare Kind they return for the wire reply. The cause stays reachable
// through Unwrap and the package-level Cause.
type Error struct {
	kind  Kind
	cause error
}

func New(kind Kind) *Error {
	return &Error{kind: kind}
}

// Wrap attaches msg as causal context to an existing error while pinning
// it to kind. If err is nil, Wrap returns nil.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

func (e *Error) Kind() Kind {
	if e == nil {
		return Success
	}
	return e.kind
}

func (e *Error) Error() string {
	if e == nil {
		return Success.String()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.kind, e.cause)
	}
	return e.kind.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Cause returns the deepest wrapped cause, or the Error itself if none.
func Cause(err error) error {
	for {
		e, ok := err.(*Error)
		if !ok || e == nil || e.cause == nil {
			return errors.Cause(err)
		}
		err = e.cause
	}
}

// Is reports whether err carries the given Kind, unwrapping *Error chains.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Unspecified for a
// plain (non-*Error) error and Success for nil.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unspecified
}
