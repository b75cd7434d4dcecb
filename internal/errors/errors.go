// Package errors defines the error types returned by netsock.
//
// Every type classifies through github.com/containerd/errdefs so callers outside
// the module can branch on the error class without importing this package:
//
//	ValidationError  -> errdefs.IsInvalidArgument   (malformed caller input)
//	StateError       -> errdefs.IsFailedPrecondition (wrong lifecycle state)
//	ResolveError     -> errdefs.IsNotFound           (unknown host)
//	PermissionError  -> errdefs.IsPermissionDenied   (policy rejected destination)
//	NetworkError     -> errdefs.IsUnavailable        (transport failure)
//
// NetworkError, ResolveError and PermissionError also unwrap to their cause, so
// errors.Is/errors.As reach the underlying syscall or net error.
package errors

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// NetworkError reports a failure of the underlying transport.
type NetworkError struct {
	Operation string // "create", "bind", "connect", "shutdown input", ...
	Err       error  // underlying error, usually *os.SyscallError or net.Error
	Details   string // optional context, e.g. the address involved
}

func (e *NetworkError) Error() string {
	msg := "network error during " + e.Operation
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() []error {
	return causes(e.Err, errdefs.ErrUnavailable)
}

// Timeout reports whether the underlying error is a timeout, so a NetworkError
// satisfies the timeout half of net.Error.
func (e *NetworkError) Timeout() bool {
	t, ok := e.Err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

// ValidationError reports malformed caller input. It is always raised before the
// transport is touched.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// StateError reports an operation that is not valid in the socket's current
// lifecycle state.
type StateError struct {
	Operation string
	Message   string
}

func (e *StateError) Error() string {
	if e.Operation == "" {
		return e.Message
	}
	return e.Operation + ": " + e.Message
}

func (e *StateError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// ResolveError reports that a host name produced no usable addresses.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return "unknown host " + e.Host
	}
	return "unknown host " + e.Host + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() []error {
	return causes(e.Err, errdefs.ErrNotFound)
}

// PermissionError reports that the connect policy rejected a destination.
type PermissionError struct {
	Host string
	Port int
	Err  error
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("connect to %s:%d denied", e.Host, e.Port)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionError) Unwrap() []error {
	return causes(e.Err, errdefs.ErrPermissionDenied)
}

// Closed is the StateError returned by any operation on a closed socket.
func Closed(op string) error {
	return &StateError{Operation: op, Message: "socket is closed"}
}

// NotConnected is the StateError returned by stream and shutdown calls on a
// socket that never connected.
func NotConnected(op string) error {
	return &StateError{Operation: op, Message: "socket is not connected"}
}

func causes(err, class error) []error {
	if err == nil {
		return []error{class}
	}
	return []error{err, class}
}
