package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// ReentryChecker looks for add-back spots on profitable, not-yet-full
// positions: bounces off the 21-EMA or 50-SMA, pivot retests, and pullbacks
// into the buy zone. A bounce requires the dip-and-recover pattern in the
// per-symbol price history.
type ReentryChecker struct {
	cfg config.MonitoringConfig
}

// NewReentryChecker creates the re-entry checker.
func NewReentryChecker(cfg config.MonitoringConfig) *ReentryChecker {
	return &ReentryChecker{cfg: cfg}
}

func (r *ReentryChecker) Name() string { return "reentry" }

func (r *ReentryChecker) Check(c *CheckContext) []*domain.Alert {
	pos := c.Position
	// Full-size positions add nothing; losers re-enter nowhere.
	if !pos.InPosition() || pos.State == domain.StateEntry3 ||
		c.StopFired() || c.PnLPct <= 0 || c.Price <= 0 {
		return nil
	}

	var out []*domain.Alert

	if sawBounce(c.History, c.MAs.EMA21, r.cfg.Reentry.EMABounceTolerance) &&
		withinPct(c.Price, c.MAs.EMA21, r.cfg.Reentry.EMABounceTolerance*2) {
		out = append(out, c.newAlert(domain.AlertTypeAdd, domain.SubtypeEMA21, domain.PriorityP1,
			fmt.Sprintf("%s bounced off the 21-EMA at %.2f", pos.Symbol, c.MAs.EMA21),
			"ADD on the bounce"))
	}

	// The 50-SMA bounce needs volume behind it.
	if sawBounce(c.History, c.MAs.SMA50, 1.0) &&
		withinPct(c.Price, c.MAs.SMA50, 2.0) &&
		c.VolumeAvailable && c.VolumeRatio >= r.cfg.Reentry.SMABounceVolume {
		out = append(out, c.newAlert(domain.AlertTypeAdd, domain.SubtypePullback, domain.PriorityP1,
			fmt.Sprintf("%s bounced off the 50-SMA at %.2f on %.1fx volume",
				pos.Symbol, c.MAs.SMA50, c.VolumeRatio),
			"ADD on the institutional bounce"))
	}

	if pivot := c.Pivot(); pivot > 0 &&
		withinPct(c.Price, pivot, r.cfg.Reentry.PivotTolerance) &&
		sawBounce(c.History, pivot, r.cfg.Reentry.PivotTolerance) {
		out = append(out, c.newAlert(domain.AlertTypeAdd, domain.SubtypeInBuyZone, domain.PriorityP1,
			fmt.Sprintf("%s retested the pivot at %.2f and held", pos.Symbol, pivot),
			"ADD in the buy zone"))
	}
	return out
}

// extendedMarker remembers a watchlist symbol that ran away from its pivot.
type extendedMarker struct {
	markedAt  time.Time
	testCount int
}

// AltEntryChecker watches state-0 symbols that were previously extended
// past the buy zone and alerts when price returns to a moving average or
// the pivot with adequate volume.
type AltEntryChecker struct {
	cfg config.MonitoringConfig

	mu      sync.Mutex
	markers map[string]*extendedMarker
	now     func() time.Time
}

// NewAltEntryChecker creates the watchlist alt-entry checker.
func NewAltEntryChecker(cfg config.MonitoringConfig) *AltEntryChecker {
	return &AltEntryChecker{
		cfg:     cfg,
		markers: make(map[string]*extendedMarker),
		now:     time.Now,
	}
}

func (a *AltEntryChecker) Name() string { return "alt_entry" }

func (a *AltEntryChecker) Check(c *CheckContext) []*domain.Alert {
	pos := c.Position
	if pos.State != domain.StateWatching || c.Price <= 0 {
		return nil
	}
	pivot := c.Pivot()
	if pivot <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	marker := a.markers[pos.Symbol]
	// Seed from persistence so a restart keeps the marker.
	if marker == nil && pos.PriorExtendedAt != nil {
		marker = &extendedMarker{markedAt: *pos.PriorExtendedAt, testCount: pos.AltEntryTestCnt}
		a.markers[pos.Symbol] = marker
	}

	// Mark (or refresh) when price runs past the buy zone.
	if (c.Price-pivot)/pivot*100 > a.cfg.AltEntry.ExtendedPct {
		if marker == nil {
			a.markers[pos.Symbol] = &extendedMarker{markedAt: c.Now}
		} else {
			marker.markedAt = c.Now
		}
		return nil
	}

	if marker == nil {
		return nil
	}
	if c.Now.Sub(marker.markedAt) > time.Duration(a.cfg.AltEntry.MarkerExpiryDays)*24*time.Hour {
		delete(a.markers, pos.Symbol)
		return nil
	}
	if c.VolumeAvailable && c.VolumeRatio < a.cfg.AltEntry.MinVolumeRatio {
		return nil
	}

	// Price came back: which support is it testing?
	var subtype, level string
	var at float64
	switch {
	case withinPct(c.Price, c.MAs.EMA21, a.cfg.AltEntry.MATolerance):
		subtype, level, at = domain.SubtypeMABounce, "21-EMA", c.MAs.EMA21
	case withinPct(c.Price, c.MAs.SMA50, a.cfg.AltEntry.MATolerance):
		subtype, level, at = domain.SubtypeMABounce, "50-SMA", c.MAs.SMA50
	case withinPct(c.Price, pivot, a.cfg.AltEntry.MATolerance):
		subtype, level, at = domain.SubtypePivotRetest, "pivot", pivot
	default:
		return nil
	}

	marker.testCount++
	alert := c.newAlert(domain.AlertTypeAltEntry, subtype, domain.PriorityP1,
		fmt.Sprintf("%s returned to the %s at %.2f after running extended (test %d)",
			pos.Symbol, level, at, marker.testCount),
		"Alternative entry for a missed breakout")
	alert.Context.TestCount = marker.testCount
	alert.ThreadSource = "breakout"
	return []*domain.Alert{alert}
}

// Forget drops the marker for a symbol, called when it leaves the watchlist.
func (a *AltEntryChecker) Forget(symbol string) {
	a.mu.Lock()
	delete(a.markers, symbol)
	a.mu.Unlock()
}
