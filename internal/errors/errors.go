// Package errors provides the tagged error type shared across the NNTP
// client, the import pipeline and the queue. Callers classify failures by
// Kind instead of matching on message text.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota
	// KindNotFound means a server definitively reported the article missing (430/423).
	KindNotFound
	// KindUnauthorized means the server rejected the session (480/481/482).
	KindUnauthorized
	// KindTransient covers timeouts, resets and other retryable failures.
	KindTransient
	// KindProtocol means the peer sent data we could not parse (malformed yEnc).
	KindProtocol
	// KindFatal means the server configuration is unusable (bad credentials).
	KindFatal
	// KindCancelled maps context cancellation; never reported as a failure.
	KindCancelled
	// KindValidation means the input (NZB, config) is definitively invalid.
	KindValidation
	// KindConflict means a uniqueness or duplicate policy violation.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying cause error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// New creates a classified error.
func New(kind Kind, message string) error {
	return &Error{kind: kind, message: message}
}

// Wrap wraps a cause with a classification and message. Returns nil for a
// nil cause so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, message: message, cause: cause}
}

// KindOf extracts the classification from an error chain. Context
// cancellation is always reported as KindCancelled regardless of wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether KindOf(err) equals kind: the outermost classified
// error in the chain decides, and context cancellation reads as
// KindCancelled.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the job pipeline should reschedule instead of
// failing. Transient errors are retryable; everything classified otherwise
// (and anything unclassified) is definitive.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
