package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries
type ErrorKind string

const (
	// KindInvalidURL is a malformed or non-http(s) navigation target
	KindInvalidURL ErrorKind = "InvalidURL"
	// KindTransportFailure is a failed document or sub-resource fetch
	KindTransportFailure ErrorKind = "TransportFailure"
	// KindRPCTimeout is a call that received no correlated response in time
	KindRPCTimeout ErrorKind = "RpcTimeout"
	// KindRPCHandlerError is a remote handler that returned an error or panicked
	KindRPCHandlerError ErrorKind = "RpcHandlerError"
	// KindSandboxPushFailure is a page-load push rejected twice
	KindSandboxPushFailure ErrorKind = "SandboxPushFailure"
)

// Error is a kind-tagged error
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the failing operation
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error from a format string
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is works against the
// kind sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Op == "" && other.Err == nil
	}
	return false
}

// Kind sentinels for errors.Is
var (
	ErrInvalidURL         = &Error{Kind: KindInvalidURL}
	ErrTransportFailure   = &Error{Kind: KindTransportFailure}
	ErrRPCTimeout         = &Error{Kind: KindRPCTimeout}
	ErrRPCHandlerError    = &Error{Kind: KindRPCHandlerError}
	ErrSandboxPushFailure = &Error{Kind: KindSandboxPushFailure}
)

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err's chain holds an *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
