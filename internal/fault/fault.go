// Package fault defines the closed error taxonomy every tool call resolves to.
// Every error that crosses the wire is one of these kinds; anything else is
// wrapped as Internal with a correlation id before it leaves the process.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies a failure for callers.
type Kind string

const (
	Unauthenticated  Kind = "unauthenticated"
	Forbidden        Kind = "forbidden"
	RateLimited      Kind = "rate_limited"
	InvalidArgument  Kind = "invalid_argument"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	Misconfigured    Kind = "misconfigured"
	Unavailable      Kind = "unavailable"
	DeadlineExceeded Kind = "deadline_exceeded"
	Cancelled        Kind = "cancelled"
	Internal         Kind = "internal"
)

// Error carries a taxonomy kind plus a message safe to send to clients.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a typed error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying error. The message is what
// clients see; the cause stays available to errors.Is/As and logs.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Internalf wraps an unexpected failure and mints a correlation id so logs
// and the client response line up. The cause never reaches the client. An
// error already carrying a taxonomy kind passes through unchanged; only
// unclassified failures become Internal.
func Internalf(cause error, format string, args ...any) *Error {
	var fe *Error
	if errors.As(cause, &fe) {
		return fe
	}
	return &Error{
		Kind:          Internal,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// KindOf extracts the taxonomy kind, defaulting to Internal for foreign
// errors. Context sentinel errors map to their wire kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CorrelationOf returns the correlation id on err, if any.
func CorrelationOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.CorrelationID
	}
	return ""
}

// JSONRPCCode maps a kind onto the JSON-RPC 2.0 error code space. Standard
// codes are reused where they exist; the rest live in the -32000..-32099
// server range.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return -32001
	case Unavailable:
		return -32002
	case Forbidden:
		return -32003
	case NotFound:
		return -32004
	case Misconfigured:
		return -32005
	case DeadlineExceeded:
		return -32008
	case Conflict:
		return -32009
	case Cancelled:
		return -32012
	case RateLimited:
		return -32029
	case InvalidArgument:
		return -32602
	default:
		return -32603
	}
}

// HTTPStatus maps a kind onto an HTTP status for the non-RPC endpoints.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
