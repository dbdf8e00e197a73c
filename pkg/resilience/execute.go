package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabrica-io/fabrica/pkg/models"
	"github.com/fabrica-io/fabrica/pkg/protocol"
)

// RunFunc performs one attempt of the stage against the given target.
type RunFunc func(ctx context.Context, target string) (*protocol.ExecutionResult, error)

// Callbacks notify the engine of retry and fallback transitions so it can
// append events mid-stage. Either field may be nil.
type Callbacks struct {
	OnRetry    func(target string, attempt int, err error)
	OnFallback func(fromTarget, toTarget string, attempt int, err error)
}

// Outcome is the result of driving a stage through the policy.
type Outcome struct {
	Result     *protocol.ExecutionResult
	Attempts   []models.Attempt
	TargetUsed string
}

// Execute drives run through the attempt budget and fallback list.
//
// Each transient failure consumes one attempt and advances to the next
// healthy target in the fallback list; once the list is exhausted the last
// target is retried until the budget runs out. A fatal classification or an
// exhausted budget terminates with the last error.
func (p Policy) Execute(ctx context.Context, tracker *HealthTracker, run RunFunc, cb Callbacks) (*Outcome, error) {
	targets := p.Targets()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxElapsedTime = 0

	outcome := &Outcome{}
	targetIdx := firstHealthy(targets, tracker)

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		target := targets[targetIdx]
		outcome.TargetUsed = target

		started := time.Now()
		result, err := run(ctx, target)
		duration := time.Since(started)

		record := models.Attempt{
			Number:    attempt,
			Target:    target,
			StartedAt: started,
			Duration:  duration,
			Succeeded: err == nil,
		}

		if err == nil {
			if tracker != nil {
				tracker.ReportSuccess(target)
			}

			outcome.Attempts = append(outcome.Attempts, record)
			outcome.Result = result

			return outcome, nil
		}

		if tracker != nil {
			tracker.ReportFailure(target)
		}

		class := Classify(err)
		record.Error = err.Error()
		record.ErrorClass = string(class)
		outcome.Attempts = append(outcome.Attempts, record)
		lastErr = err

		if class == ClassFatal {
			return outcome, fmt.Errorf("fatal error on target '%s' (attempt %d): %w", target, attempt, err)
		}

		if attempt == p.MaxAttempts {
			break
		}

		nextIdx := nextTarget(targets, targetIdx, tracker)
		if nextIdx != targetIdx {
			if cb.OnFallback != nil {
				cb.OnFallback(target, targets[nextIdx], attempt, err)
			}
		} else if cb.OnRetry != nil {
			cb.OnRetry(target, attempt, err)
		}

		targetIdx = nextIdx

		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return outcome, err
		}
	}

	return outcome, fmt.Errorf("exhausted %d attempt(s), last target '%s': %w",
		p.MaxAttempts, outcome.TargetUsed, lastErr)
}

// firstHealthy picks the first target the tracker considers healthy, falling
// back to the first target when all are unhealthy.
func firstHealthy(targets []string, tracker *HealthTracker) int {
	if tracker == nil {
		return 0
	}

	for i, target := range targets {
		if tracker.Healthy(target) {
			return i
		}
	}

	return 0
}

// nextTarget advances past the current target, skipping unhealthy ones. When
// the fallback list is exhausted the current target is retried.
func nextTarget(targets []string, current int, tracker *HealthTracker) int {
	for i := current + 1; i < len(targets); i++ {
		if tracker == nil || tracker.Healthy(targets[i]) {
			return i
		}
	}

	return current
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
