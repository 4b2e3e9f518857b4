package monitor

import (
	"fmt"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// PyramidChecker signals add-on opportunities: the two pyramid tranches
// plus the pullback-to-21-EMA add.
type PyramidChecker struct {
	cfg config.MonitoringConfig
}

// NewPyramidChecker creates the pyramid checker.
func NewPyramidChecker(cfg config.MonitoringConfig) *PyramidChecker {
	return &PyramidChecker{cfg: cfg}
}

func (p *PyramidChecker) Name() string { return "pyramid" }

func (p *PyramidChecker) Check(c *CheckContext) []*domain.Alert {
	pos := c.Position
	// Gate: in a position, profitable, and settled for a couple of days.
	if !pos.InPosition() || c.StopFired() || c.PnLPct <= 0 ||
		c.DaysInPosition < p.cfg.Pyramid.MinBarsSinceEntry || c.Price <= 0 {
		return nil
	}

	var out []*domain.Alert

	switch pos.State {
	case domain.StateEntry1:
		switch {
		case c.PnLPct <= 5:
			out = append(out, c.newAlert(domain.AlertTypePyramid, domain.SubtypeP1Ready, domain.PriorityP1,
				fmt.Sprintf("%s is +%.1f%% above entry: first pyramid zone", pos.Symbol, c.PnLPct),
				"ADD the second tranche"))
		default:
			out = append(out, c.newAlert(domain.AlertTypePyramid, domain.SubtypeP1Extended, domain.PriorityP2,
				fmt.Sprintf("%s is +%.1f%% above entry: extended past the first pyramid zone", pos.Symbol, c.PnLPct),
				"Wait for a pullback before adding"))
		}
	case domain.StateEntry2:
		switch {
		case c.PnLPct >= 5 && c.PnLPct <= 10:
			out = append(out, c.newAlert(domain.AlertTypePyramid, domain.SubtypeP2Ready, domain.PriorityP1,
				fmt.Sprintf("%s is +%.1f%% above entry: second pyramid zone", pos.Symbol, c.PnLPct),
				"ADD the final tranche"))
		case c.PnLPct > 10:
			out = append(out, c.newAlert(domain.AlertTypePyramid, domain.SubtypeP2Extended, domain.PriorityP2,
				fmt.Sprintf("%s is +%.1f%% above entry: extended past the second pyramid zone", pos.Symbol, c.PnLPct),
				"Wait for a pullback before adding"))
		}
	}

	// Pullback to the 21-EMA is an add signal at any in-position state.
	if withinPct(c.Price, c.MAs.EMA21, p.cfg.Pyramid.PullbackEMATolerance) {
		out = append(out, c.newAlert(domain.AlertTypeAdd, domain.SubtypeEMA21, domain.PriorityP1,
			fmt.Sprintf("%s pulled back to the 21-EMA: %.2f vs %.2f", pos.Symbol, c.Price, c.MAs.EMA21),
			"Consider adding at the moving average"))
	}
	return out
}
