// Package apperr defines the error taxonomy shared by the HTTP surface, the
// agent bridge, and the NFS server. Every error that crosses a component
// boundary is normalized to one of these kinds.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for clients.
type Kind string

const (
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	InvalidArgument   Kind = "invalid_argument"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	ResourceExhausted Kind = "resource_exhausted"
	Timeout           Kind = "timeout"
	Unavailable       Kind = "unavailable"
	Internal          Kind = "internal"
)

// Error is a kinded error. The message is client-visible and must not leak
// host paths beyond the workspace root.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. The message is still taken
// from format; err is kept for errors.Is/As chains and logging.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code maps a kind to the numeric code used in JSON error bodies.
func Code(kind Kind) int { return HTTPStatus(kind) }

// Retryable reports whether an operation failing with this kind may be
// retried by the caller without changing the request.
func Retryable(kind Kind) bool {
	return kind == Unavailable || kind == Timeout
}
