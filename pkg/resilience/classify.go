package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/fabrica-io/fabrica/pkg/protocol"
)

// Class is the error classification driving retry decisions.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// transientFragments are message heuristics for errors that arrive without a
// protocol.TransientError wrapper.
var transientFragments = []string{
	"rate limit",
	"rate_limit",
	"timeout",
	"timed out",
	"deadline exceeded",
	"overloaded",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"too many requests",
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"status 529",
}

// Classify decides whether an execution error is retryable. The
// classification is a closed set: anything not recognizably transient is
// fatal, with no conservative middle ground.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	if protocol.IsTransient(err) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(message, fragment) {
			return ClassTransient
		}
	}

	return ClassFatal
}
