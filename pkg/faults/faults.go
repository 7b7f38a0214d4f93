package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure for retry and response decisions.
type Kind string

const (
	TransientTransport Kind = "TRANSIENT_TRANSPORT"
	PermanentTransport Kind = "PERMANENT_TRANSPORT"
	TransientAgent     Kind = "TRANSIENT_AGENT"
	PermanentAgent     Kind = "PERMANENT_AGENT"
	CacheUnavailable   Kind = "CACHE_UNAVAILABLE"
	StoreUnavailable   Kind = "STORE_UNAVAILABLE"
	RateLimited        Kind = "RATE_LIMITED"
	Duplicate          Kind = "DUPLICATE"
	BadRequest         Kind = "BAD_REQUEST"
	Paused             Kind = "PAUSED"
	DeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	CircuitOpen        Kind = "CIRCUIT_OPEN"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// ErrCode satisfies the recovery middleware contract.
func (e *Error) ErrCode() string { return string(e.Kind) }

// StatusCode maps the kind to an HTTP status for the REST layer.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case Duplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// New builds a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report as TransientAgent so the queue retries them.
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
	return TransientAgent
}

// Retriable reports whether the queue should re-enqueue after this error.
func Retriable(err error) bool {
	switch KindOf(err) {
	case TransientTransport, TransientAgent, CacheUnavailable,
		StoreUnavailable, DeadlineExceeded, CircuitOpen:
		return true
	}
	return false
}
