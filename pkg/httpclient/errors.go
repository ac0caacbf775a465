package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError reports that the retry budget ran out on a failure that
// was, in principle, retryable. RetryAfter carries the next backoff the
// client would have used, so callers can surface it.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) IsRetryable() bool {
	return true
}

// IsRetryable reports whether the error chain contains a retryable failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
