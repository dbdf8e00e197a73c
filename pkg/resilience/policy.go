// Package resilience governs retry, ordered target fallback and
// transient-vs-fatal error classification around stage execution.
package resilience

import (
	"time"

	"github.com/fabrica-io/fabrica/pkg/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Policy is the resolved per-stage policy: recipe defaults overlaid with the
// stage's overrides.
type Policy struct {
	MaxAttempts int
	// Fallbacks is the ordered list of execution targets (models or
	// providers). Empty means a single unnamed target.
	Fallbacks []string
	BaseDelay time.Duration
}

// Resolve overlays the recipe-level policy with the per-stage override and
// fills package defaults.
func Resolve(rp models.ResiliencePolicy, stageID string) Policy {
	p := Policy{
		MaxAttempts: rp.MaxAttempts,
		Fallbacks:   append([]string(nil), rp.Fallbacks...),
		BaseDelay:   time.Duration(rp.BaseDelayMS) * time.Millisecond,
	}

	if override, ok := rp.Stages[stageID]; ok {
		if override.MaxAttempts != nil {
			p.MaxAttempts = *override.MaxAttempts
		}

		if override.Fallbacks != nil {
			p.Fallbacks = append([]string(nil), override.Fallbacks...)
		}

		if override.BaseDelayMS != nil {
			p.BaseDelay = time.Duration(*override.BaseDelayMS) * time.Millisecond
		}
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}

	return p
}

// Targets returns the fallback list, substituting a single unnamed target
// when the policy declares none.
func (p Policy) Targets() []string {
	if len(p.Fallbacks) == 0 {
		return []string{""}
	}

	return p.Fallbacks
}
