package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// TransientError marks a failure the resilience policy may retry or fail
// over: rate limits, timeouts, transient provider faults, 5xx-class
// responses. Anything not wrapped as transient is fatal.
type TransientError struct {
	Code int
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transient (%d): %v", e.Code, e.Err)
	}

	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable with an optional status code.
func Transient(err error, code int) error {
	return &TransientError{Code: code, Err: err}
}

// IsTransient reports whether err is wrapped as a TransientError.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

func sortStrings(values []string) {
	sort.Strings(values)
}
