package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mberan/vigil/internal/domain"
)

// Throttle enforces a provider's rate budget: a per-minute sliding window
// (token bucket refilled at calls_per_minute/60 per second) plus a minimum
// inter-call delay. Wait blocks until both gates open.
type Throttle struct {
	limiter  *rate.Limiter
	minDelay time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewThrottle builds a throttle from a provider's profile. A zero or
// negative calls-per-minute disables the window; zero delay disables the gate.
func NewThrottle(profile domain.ThrottleProfile) *Throttle {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if profile.CallsPerMinute > 0 {
		burst := profile.BurstSize
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(profile.CallsPerMinute)/60.0), burst)
	}

	return &Throttle{
		limiter:  limiter,
		minDelay: time.Duration(profile.MinDelaySeconds * float64(time.Second)),
	}
}

// Wait blocks until a request slot is available or the context is done.
func (t *Throttle) Wait(ctx context.Context) error {
	// Min inter-call delay first: reserve the slot under the lock so
	// concurrent callers queue behind each other.
	if t.minDelay > 0 {
		t.mu.Lock()
		now := time.Now()
		next := t.lastCall.Add(t.minDelay)
		if next.Before(now) {
			next = now
		}
		t.lastCall = next
		t.mu.Unlock()

		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return t.limiter.Wait(ctx)
}

// Allow reports whether a call could proceed right now without blocking.
// Used by health endpoints; does not consume a slot on false.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	delayed := t.minDelay > 0 && time.Since(t.lastCall) < t.minDelay
	t.mu.Unlock()
	if delayed {
		return false
	}
	return t.limiter.Tokens() >= 1
}
