package resilience

import (
	"sync"
	"time"
)

const (
	unhealthyThreshold = 3
	unhealthyCooldown  = 30 * time.Second
)

// HealthTracker keeps an in-memory health signal per execution target so the
// fallback iterator can skip a target known to be currently failing. One
// coordinating process owns all execution, so this state never leaves the
// process.
type HealthTracker struct {
	mu          sync.Mutex
	consecutive map[string]int
	lastFailure map[string]time.Time
	now         func() time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		consecutive: make(map[string]int),
		lastFailure: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Healthy reports whether target should be attempted. A target turns
// unhealthy after unhealthyThreshold consecutive failures and recovers after
// the cooldown elapses.
func (h *HealthTracker) Healthy(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consecutive[target] < unhealthyThreshold {
		return true
	}

	return h.now().Sub(h.lastFailure[target]) > unhealthyCooldown
}

func (h *HealthTracker) ReportSuccess(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive[target] = 0
}

func (h *HealthTracker) ReportFailure(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive[target]++
	h.lastFailure[target] = h.now()
}
