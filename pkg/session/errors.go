package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a pipeline failure. Kinds are stable strings; the
// streaming error event and the retry layer both switch on them.
type ErrorKind string

const (
	KindConfig                 ErrorKind = "ConfigError"
	KindAuth                   ErrorKind = "AuthError"
	KindUpstreamTimeout        ErrorKind = "UpstreamTimeout"
	KindUpstreamRateLimited    ErrorKind = "UpstreamRateLimited"
	KindUpstreamTransient      ErrorKind = "UpstreamTransient"
	KindUpstreamInvalidRequest ErrorKind = "UpstreamInvalidRequest"
	KindSchema                 ErrorKind = "SchemaError"
	KindRetrievalEmpty         ErrorKind = "RetrievalEmpty"
	KindContextOverflow        ErrorKind = "ContextOverflow"
	KindCancelled              ErrorKind = "Cancelled"
	KindDeadlineExceeded       ErrorKind = "DeadlineExceeded"
	KindInternalInvariant      ErrorKind = "InternalInvariant"
)

// Retryable reports whether the kind is safe to retry against the upstream.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamRateLimited, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error with retryability derived from kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable()}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WrapError classifies an underlying error without losing its chain.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable(), Cause: cause}
}

// AsError extracts a classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Classify maps an arbitrary error onto a kind. Context cancellation and
// deadline errors are recognized anywhere in the chain; everything
// unclassified is an internal invariant violation.
func Classify(err error) ErrorKind {
	if se, ok := AsError(err); ok {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternalInvariant
}

// IsRetryable reports whether the classified error may be retried.
func IsRetryable(err error) bool {
	if se, ok := AsError(err); ok {
		return se.Retryable
	}
	return Classify(err).Retryable()
}

// ClassifyStatus maps an upstream HTTP status onto an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindUpstreamTimeout
	case status == http.StatusTooManyRequests:
		return KindUpstreamRateLimited
	case status >= 500:
		return KindUpstreamTransient
	case status >= 400:
		return KindUpstreamInvalidRequest
	default:
		return KindInternalInvariant
	}
}
