package backend

import (
	"errors"
	"time"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	defaultRateLimit   = 2 // requests per second, burst smoothing only
	defaultBurst       = 4
)

// retryableError marks errors worth retrying (network failures, 429s, 5xx).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryableError reports whether the error is transient.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
