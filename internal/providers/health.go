package providers

import (
	"sync"
	"time"
)

// HealthStatus is the provider availability classification.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// Default failure thresholds. Consecutive failures at or above the degraded
// threshold flip the status; a single success restores healthy.
const (
	DefaultDegradedThreshold = 3
	DefaultDownThreshold     = 5
)

// HealthSnapshot is a point-in-time copy of a provider's health state.
type HealthSnapshot struct {
	Provider            string       `json:"provider"`
	Status              HealthStatus `json:"status"`
	LastSuccess         *time.Time   `json:"last_success,omitempty"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// Health tracks a provider's availability. Every call site records the
// outcome of each request; status derives from the consecutive-failure count.
// Safe for use from any goroutine.
type Health struct {
	mu                sync.Mutex
	provider          string
	degradedThreshold int
	downThreshold     int
	snapshot          HealthSnapshot
}

// NewHealth creates a health tracker starting in the healthy state.
func NewHealth(provider string) *Health {
	return &Health{
		provider:          provider,
		degradedThreshold: DefaultDegradedThreshold,
		downThreshold:     DefaultDownThreshold,
		snapshot: HealthSnapshot{
			Provider: provider,
			Status:   StatusHealthy,
		},
	}
}

// RecordSuccess marks a successful call and restores healthy status.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.snapshot.LastSuccess = &now
	h.snapshot.ConsecutiveFailures = 0
	h.snapshot.LastError = ""
	h.snapshot.Status = StatusHealthy
}

// RecordFailure marks a failed call and degrades status when the
// consecutive-failure count crosses a threshold.
func (h *Health) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.snapshot.LastFailure = &now
	h.snapshot.ConsecutiveFailures++
	if err != nil {
		h.snapshot.LastError = err.Error()
	}

	switch {
	case h.snapshot.ConsecutiveFailures >= h.downThreshold:
		h.snapshot.Status = StatusDown
	case h.snapshot.ConsecutiveFailures >= h.degradedThreshold:
		h.snapshot.Status = StatusDegraded
	}
}

// MarkDown forces the status to down, used on disconnect.
func (h *Health) MarkDown(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.snapshot.LastFailure = &now
	h.snapshot.Status = StatusDown
	if err != nil {
		h.snapshot.LastError = err.Error()
	}
}

// Snapshot returns a copy of the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// Status returns the current availability classification.
func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot.Status
}
