package monitor

import (
	"fmt"
	"sync"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// HealthChecker recomputes the position health score each cycle and fires
// on deterioration: the critical cross below 50, earnings proximity,
// late-stage bases, and extension above the pivot.
type HealthChecker struct {
	cfg config.MonitoringConfig

	mu        sync.Mutex
	lastScore map[string]float64
}

// NewHealthChecker creates the health checker.
func NewHealthChecker(cfg config.MonitoringConfig) *HealthChecker {
	return &HealthChecker{
		cfg:       cfg,
		lastScore: make(map[string]float64),
	}
}

func (h *HealthChecker) Name() string { return "health" }

func (h *HealthChecker) Check(c *CheckContext) []*domain.Alert {
	if !c.Position.InPosition() || c.Price <= 0 {
		return nil
	}

	pos := c.Position
	score := h.Score(c)
	c.SetHealthUpdate(score)

	h.mu.Lock()
	prev, seen := h.lastScore[pos.Symbol]
	h.lastScore[pos.Symbol] = score
	h.mu.Unlock()
	if !seen {
		if pos.HealthScore != nil {
			prev = *pos.HealthScore
		} else {
			prev = score
		}
	}

	var out []*domain.Alert

	// Critical fires on the downward cross only, not while camped below.
	if score < 50 && prev >= 50 {
		a := c.newAlert(domain.AlertTypeHealth, domain.SubtypeHealthCrit, domain.PriorityP0,
			fmt.Sprintf("%s health dropped to %.0f (%s)", pos.Symbol, score, domain.HealthRatingFor(score)),
			"Review the position, multiple factors deteriorating")
		a.Context.HealthScore = score
		out = append(out, a)
	}

	if alert := h.earnings(c); alert != nil {
		alert.Context.HealthScore = score
		out = append(out, alert)
	}

	if pos.BaseStage >= 4 {
		a := c.newAlert(domain.AlertTypeHealth, domain.SubtypeLateStage, domain.PriorityP2,
			fmt.Sprintf("%s is building a stage-%d base, failure odds rise with stage count",
				pos.Symbol, pos.BaseStage),
			"Take profits earlier than usual")
		a.Context.HealthScore = score
		out = append(out, a)
	}

	if pivot := c.Pivot(); pivot > 0 {
		extPct := (c.Price - pivot) / pivot * 100
		if extPct > h.cfg.Extended.DangerPct {
			a := c.newAlert(domain.AlertTypeHealth, domain.SubtypeExtended, domain.PriorityP1,
				fmt.Sprintf("%s is %.1f%% above the pivot, well past the buy zone", pos.Symbol, extPct),
				"Do not add here, let it pull back")
			a.Context.HealthScore = score
			out = append(out, a)
		} else if extPct > h.cfg.Extended.WarningPct {
			a := c.newAlert(domain.AlertTypeHealth, domain.SubtypeExtended, domain.PriorityP2,
				fmt.Sprintf("%s is %.1f%% above the pivot", pos.Symbol, extPct),
				"Extended, adds carry extra risk")
			a.Context.HealthScore = score
			out = append(out, a)
		}
	}
	return out
}

// Score computes the 0-100 health composite from time in position, price
// versus the moving averages, accumulation/distribution, base structure,
// and earnings proximity.
func (h *HealthChecker) Score(c *CheckContext) float64 {
	pos := c.Position
	score := 100.0

	if c.DaysInPosition > h.cfg.Health.TimeThresholdDays && c.PnLPct < 5 {
		// Dead money: old position with nothing to show for it.
		score -= 10
	}
	if c.MAs.EMA21 > 0 && c.Price < c.MAs.EMA21 {
		score -= 10
	}
	if c.MAs.SMA50 > 0 && c.Price < c.MAs.SMA50 {
		score -= 20
	}
	if c.MAs.SMA200 > 0 && c.Price < c.MAs.SMA200 {
		score -= 25
	}
	switch pos.ADRating {
	case "D":
		score -= 10
	case "E":
		score -= 15
	}
	if pos.BaseStage >= 4 {
		score -= 15
	}
	if pos.BaseDepthPct != nil && *pos.BaseDepthPct > h.cfg.Health.DeepBaseThreshold {
		score -= 10
	}
	if c.DaysToEarnings >= 0 {
		if c.DaysToEarnings <= h.cfg.Earnings.CriticalDays {
			score -= 15
		} else if c.DaysToEarnings <= h.cfg.Earnings.WarningDays {
			score -= 5
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// earnings emits the earnings-proximity alert with a P&L-based
// recommendation: a cushion holds through, breakeven sells first, a loss
// exits.
func (h *HealthChecker) earnings(c *CheckContext) *domain.Alert {
	if c.DaysToEarnings < 0 || c.DaysToEarnings > h.cfg.Earnings.WarningDays {
		return nil
	}

	priority := domain.PriorityP1
	if c.DaysToEarnings <= h.cfg.Earnings.CriticalDays {
		priority = domain.PriorityP0
	}

	var action string
	switch {
	case c.PnLPct >= 10:
		action = "HOLD through earnings, the cushion absorbs a gap"
	case c.PnLPct <= h.cfg.Earnings.NegativeThreshold:
		action = "EXIT before earnings, no cushion and already down"
	case c.PnLPct <= h.cfg.Earnings.ReduceThreshold:
		action = "SELL before earnings, near breakeven with gap risk"
	default:
		action = "REDUCE into earnings, keep a partial with the small cushion"
	}

	return c.newAlert(domain.AlertTypeHealth, domain.SubtypeEarnings, priority,
		fmt.Sprintf("%s reports earnings in %d days (P&L %+.1f%%)",
			c.Position.Symbol, c.DaysToEarnings, c.PnLPct), action)
}

// Forget drops per-symbol state, called when a position closes.
func (h *HealthChecker) Forget(symbol string) {
	h.mu.Lock()
	delete(h.lastScore, symbol)
	h.mu.Unlock()
}
