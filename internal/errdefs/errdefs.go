// Package errdefs defines the error kinds surfaced by the tool handlers
// and transports.
//
// Every refusal or failure that crosses a package boundary carries one of
// these kinds so the handler layer can decide whether it belongs in the
// RPC result or in the transport response.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindValidation is a schema violation in tool arguments.
	KindValidation Kind = iota

	// KindSecurity is a dangerous-command or privilege refusal.
	KindSecurity

	// KindNotFound is an unknown process or session identifier.
	KindNotFound

	// KindResource is a failure touching the OS (spawn, stat, write).
	KindResource

	// KindTransport is a wire-level failure (parse error, missing header).
	KindTransport

	// KindInternal is any unexpected failure.
	KindInternal
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindSecurity:
		return "SecurityError"
	case KindNotFound:
		return "NotFoundError"
	case KindResource:
		return "ResourceError"
	case KindTransport:
		return "TransportError"
	default:
		return "InternalError"
	}
}

// Error is a classified error with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a new validation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Security returns a new security refusal.
func Security(format string, args ...any) error {
	return &Error{Kind: KindSecurity, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a new not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Resource returns a new resource error.
func Resource(format string, args ...any) error {
	return &Error{Kind: KindResource, Msg: fmt.Sprintf(format, args...)}
}

// Transport returns a new transport error.
func Transport(format string, args ...any) error {
	return &Error{Kind: KindTransport, Msg: fmt.Sprintf(format, args...)}
}

// Internal returns a new internal error.
func Internal(format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsSecurity reports whether err is a security refusal.
func IsSecurity(err error) bool { return is(err, KindSecurity) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsResource reports whether err is a resource error.
func IsResource(err error) bool { return is(err, KindResource) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return is(err, KindTransport) }

// IsInternal reports whether err is an internal error.
func IsInternal(err error) bool { return is(err, KindInternal) }
