package monitor

import (
	"fmt"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// StopChecker fires hard stops, trailing stops, and approaching-stop
// warnings. A stop hit marks the context so the MA category is skipped.
type StopChecker struct {
	cfg config.MonitoringConfig
}

// NewStopChecker creates the stop checker.
func NewStopChecker(cfg config.MonitoringConfig) *StopChecker {
	return &StopChecker{cfg: cfg}
}

func (s *StopChecker) Name() string { return "stop" }

// Check evaluates stop rules in order: hard stop, trailing stop, warning.
// The first P0 hit short-circuits the rest.
func (s *StopChecker) Check(c *CheckContext) []*domain.Alert {
	if !c.Position.InPosition() || c.Price <= 0 {
		return nil
	}

	if stop := c.StopPrice(); stop > 0 && c.Price <= stop {
		c.MarkStopFired()
		a := c.newAlert(domain.AlertTypeStop, domain.SubtypeHardStop, domain.PriorityP0,
			fmt.Sprintf("%s hit the hard stop: %.2f ≤ %.2f (%.1f%%)",
				c.Position.Symbol, c.Price, stop, c.PnLPct),
			"SELL full position now")
		a.Context.StopPrice = stop
		return []*domain.Alert{a}
	}

	// Trailing stop activates once the position has been up enough, trails
	// from the high-water mark, and never sits below entry.
	if c.MaxGainPct >= s.cfg.TrailingStop.ActivationPct && c.MaxPrice > 0 {
		trail := c.MaxPrice * (1 - s.cfg.TrailingStop.TrailPct/100)
		if trail < c.AvgCost {
			trail = c.AvgCost
		}
		if c.Price <= trail {
			c.MarkStopFired()
			a := c.newAlert(domain.AlertTypeStop, domain.SubtypeTrailingStop, domain.PriorityP0,
				fmt.Sprintf("%s hit the trailing stop: %.2f ≤ %.2f (%.1f%% off the %.2f high)",
					c.Position.Symbol, c.Price, trail, s.cfg.TrailingStop.TrailPct, c.MaxPrice),
				"SELL to lock in gains")
			a.Context.StopPrice = trail
			return []*domain.Alert{a}
		}
	}

	if stop := c.StopPrice(); stop > 0 {
		buffer := stop * (1 + s.cfg.StopLoss.WarningBufferPct/100)
		if c.Price <= buffer {
			a := c.newAlert(domain.AlertTypeStop, domain.SubtypeStopWarning, domain.PriorityP0,
				fmt.Sprintf("%s is within %.1f%% of the stop: %.2f vs %.2f",
					c.Position.Symbol, s.cfg.StopLoss.WarningBufferPct, c.Price, stop),
				"Watch closely, prepare the sell order")
			a.Context.StopPrice = stop
			return []*domain.Alert{a}
		}
	}
	return nil
}
