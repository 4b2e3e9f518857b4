// Package regime classifies the market backdrop: distribution-day pressure,
// follow-through-day state, index trend posture, and overnight futures fold
// into a composite score that gates position sizing.
package regime

import (
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// DDayTracker counts distribution days over a rolling trading-day window:
// a close-to-close decline of at least the threshold on volume higher than
// the prior day.
type DDayTracker struct {
	windowDays int
	declinePct float64
}

// NewDDayTracker creates the tracker with the configured window and
// decline threshold.
func NewDDayTracker(windowDays int, declinePct float64) *DDayTracker {
	return &DDayTracker{windowDays: windowDays, declinePct: declinePct}
}

// isDistribution reports whether bar cur distributes against prev.
func (t *DDayTracker) isDistribution(prev, cur providers.Bar) bool {
	if prev.Close <= 0 {
		return false
	}
	declinePct := (prev.Close - cur.Close) / prev.Close * 100
	return declinePct >= t.declinePct && cur.Volume > prev.Volume
}

// Count returns the distribution-day count in the window ending at the
// last bar.
func (t *DDayTracker) Count(bars []providers.Bar) int {
	return t.countEndingAt(bars, len(bars)-1)
}

// countEndingAt counts D-days in the window whose last bar is index end.
func (t *DDayTracker) countEndingAt(bars []providers.Bar, end int) int {
	if end < 1 || end >= len(bars) {
		return 0
	}
	start := end - t.windowDays + 1
	if start < 1 {
		start = 1
	}
	count := 0
	for i := start; i <= end; i++ {
		if t.isDistribution(bars[i-1], bars[i]) {
			count++
		}
	}
	return count
}

// Delta5 returns the change in the D-day count versus five trading days
// earlier. Positive means pressure is building.
func (t *DDayTracker) Delta5(bars []providers.Bar) int {
	now := t.countEndingAt(bars, len(bars)-1)
	then := t.countEndingAt(bars, len(bars)-6)
	return now - then
}

// TrendFor classifies a count delta.
func TrendFor(delta int) domain.DDayTrend {
	switch {
	case delta > 0:
		return domain.TrendWorsening
	case delta < 0:
		return domain.TrendImproving
	default:
		return domain.TrendFlat
	}
}
