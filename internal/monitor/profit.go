package monitor

import (
	"fmt"
	"time"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// ProfitChecker manages the 8-week power-move hold and the two take-profit
// targets. A power move (big gain shortly after breakout) activates an
// 8-week hold that suppresses TP1 until the window expires.
type ProfitChecker struct {
	cfg config.MonitoringConfig
}

// NewProfitChecker creates the profit checker.
func NewProfitChecker(cfg config.MonitoringConfig) *ProfitChecker {
	return &ProfitChecker{cfg: cfg}
}

func (p *ProfitChecker) Name() string { return "profit" }

func (p *ProfitChecker) Check(c *CheckContext) []*domain.Alert {
	if !c.Position.InPosition() || c.StopFired() || c.Price <= 0 {
		return nil
	}

	var out []*domain.Alert
	pos := c.Position

	// Power-move detection: the gain threshold reached within the trigger
	// window after breakout starts the 8-week clock.
	if !pos.EightWeekHoldActive &&
		c.PnLPct >= p.cfg.EightWeekHold.GainThresholdPct &&
		pos.BreakoutDate != nil &&
		c.DaysSinceBreakout >= 0 && c.DaysSinceBreakout <= p.cfg.EightWeekHold.TriggerWindowDays {

		end := pos.BreakoutDate.AddDate(0, 0, p.cfg.EightWeekHold.HoldWeeks*7)
		weeks := c.DaysSinceBreakout / 7
		c.SetHoldUpdate(domain.EightWeekHold{
			Active:         true,
			Start:          domain.TimePtr(c.Now),
			End:            domain.TimePtr(end),
			PowerMovePct:   domain.Float64Ptr(c.PnLPct),
			PowerMoveWeeks: domain.IntPtr(weeks),
		})

		out = append(out, c.newAlert(domain.AlertTypeProfit, domain.SubtypeEightWeekHold, domain.PriorityP2,
			fmt.Sprintf("%s gained %.1f%% within %d days of breakout: 8-week hold active until %s",
				pos.Symbol, c.PnLPct, c.DaysSinceBreakout, end.Format("2006-01-02")),
			"HOLD, ignore TP1 until the window expires"))
		// The hold starts this cycle; TP checks are off until it ends.
		return out
	}

	// The hold suppresses TP1 only; TP2 still fires on its own merit.
	if pos.TP1Shares == nil && c.PnLPct >= p.cfg.TakeProfit.TP1Pct && !p.holdInEffect(pos, c.Now) {
		out = append(out, c.newAlert(domain.AlertTypeProfit, domain.SubtypeTP1, domain.PriorityP1,
			fmt.Sprintf("%s reached the TP1 target: +%.1f%% (threshold %.0f%%)",
				pos.Symbol, c.PnLPct, p.cfg.TakeProfit.TP1Pct),
			"SELL one-third to one-half"))
	}
	if pos.TP2Shares == nil && c.PnLPct >= p.cfg.TakeProfit.TP2Pct {
		out = append(out, c.newAlert(domain.AlertTypeProfit, domain.SubtypeTP2, domain.PriorityP1,
			fmt.Sprintf("%s reached the TP2 target: +%.1f%% (threshold %.0f%%)",
				pos.Symbol, c.PnLPct, p.cfg.TakeProfit.TP2Pct),
			"SELL another tranche, keep a runner"))
	}
	return out
}

// holdInEffect reports whether an active 8-week hold still suppresses TP1.
func (p *ProfitChecker) holdInEffect(pos *domain.Position, now time.Time) bool {
	if !pos.EightWeekHoldActive {
		return false
	}
	if pos.EightWeekHoldEnd == nil {
		return true
	}
	return now.Before(*pos.EightWeekHoldEnd)
}
