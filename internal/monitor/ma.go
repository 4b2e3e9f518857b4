package monitor

import (
	"fmt"
	"sync"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
)

// MAChecker watches the moving-average sell rules and the climax-top
// composite. A volume-confirmed 50-SMA breakdown short-circuits the rest of
// the MA checks for the symbol.
type MAChecker struct {
	cfg config.MonitoringConfig

	mu         sync.Mutex
	belowEMA21 map[string]*consecutiveDays
}

// consecutiveDays counts trading days a condition has held, at most one
// increment per calendar day.
type consecutiveDays struct {
	count   int
	lastDay string
}

// NewMAChecker creates the MA checker.
func NewMAChecker(cfg config.MonitoringConfig) *MAChecker {
	return &MAChecker{
		cfg:        cfg,
		belowEMA21: make(map[string]*consecutiveDays),
	}
}

func (m *MAChecker) Name() string { return "ma" }

func (m *MAChecker) Check(c *CheckContext) []*domain.Alert {
	if !c.Position.InPosition() || c.StopFired() || c.Price <= 0 {
		return nil
	}

	var out []*domain.Alert
	pos := c.Position

	// 50-SMA breakdown needs volume confirmation; price alone is not a sell.
	if c.MAs.SMA50 > 0 && c.Price < c.MAs.SMA50 {
		if c.VolumeAvailable && c.VolumeRatio >= m.cfg.Technical.MA50VolumeConfirm {
			c.MarkStopFired()
			a := c.newAlert(domain.AlertTypeTechnical, domain.SubtypeMA50Sell, domain.PriorityP0,
				fmt.Sprintf("%s broke the 50-SMA on %.1fx volume: %.2f vs %.2f",
					pos.Symbol, c.VolumeRatio, c.Price, c.MAs.SMA50),
				"SELL, institutional support failed")
			return append(out, a)
		}
		// Below the line on quiet volume: note it and keep checking.
		out = append(out, c.newAlert(domain.AlertTypeTechnical, domain.SubtypeMA50Warning, domain.PriorityP1,
			fmt.Sprintf("%s is below the 50-SMA without volume confirmation: %.2f vs %.2f (%.1fx)",
				pos.Symbol, c.Price, c.MAs.SMA50, c.VolumeRatio),
			"Watch for a volume-confirmed breakdown"))
	} else if c.MAs.SMA50 > 0 && c.Price < c.MAs.SMA50*(1+m.cfg.Technical.MA50WarningPct/100) {
		out = append(out, c.newAlert(domain.AlertTypeTechnical, domain.SubtypeMA50Warning, domain.PriorityP1,
			fmt.Sprintf("%s is within %.1f%% of the 50-SMA: %.2f vs %.2f",
				pos.Symbol, m.cfg.Technical.MA50WarningPct, c.Price, c.MAs.SMA50),
			"Watch the 50-day line"))
	}

	// Late-stage 21-EMA breakdown: consecutive daily closes below the line
	// for extended bases.
	if pos.BaseStage >= 4 && c.MAs.EMA21 > 0 {
		if days := m.trackBelowEMA21(pos.Symbol, c); days >= m.cfg.Technical.EMA21ConsecutiveDays {
			out = append(out, c.newAlert(domain.AlertTypeTechnical, domain.SubtypeEMA21Sell, domain.PriorityP1,
				fmt.Sprintf("%s closed below the 21-EMA %d days running in a stage-%d base",
					pos.Symbol, days, pos.BaseStage),
				"SELL or tighten the stop, late-stage breakdown"))
		}
	}

	// 10-week breakdown is a hard sell for the weekly trend follower. The
	// climax check below still runs, so a blow-off on the same bar is
	// flagged alongside it.
	if c.MAs.SMA10Week > 0 && c.Price < c.MAs.SMA10Week {
		c.MarkStopFired()
		out = append(out, c.newAlert(domain.AlertTypeTechnical, domain.SubtypeTenWeekSell, domain.PriorityP0,
			fmt.Sprintf("%s broke the 10-week line: %.2f vs %.2f", pos.Symbol, c.Price, c.MAs.SMA10Week),
			"SELL, weekly uptrend broken"))
	}

	if alert := m.climaxTop(c); alert != nil {
		out = append(out, alert)
	}
	return out
}

// trackBelowEMA21 advances the per-symbol consecutive-day counter, one step
// per calendar day, resetting when price recovers the line.
func (m *MAChecker) trackBelowEMA21(symbol string, c *CheckContext) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.belowEMA21[symbol]
	if entry == nil {
		entry = &consecutiveDays{}
		m.belowEMA21[symbol] = entry
	}

	if c.Price >= c.MAs.EMA21 {
		entry.count = 0
		entry.lastDay = ""
		return 0
	}
	day := c.Now.Format("2006-01-02")
	if entry.lastDay != day {
		entry.count++
		entry.lastDay = day
	}
	return entry.count
}

// Forget drops per-symbol state, called when a position closes.
func (m *MAChecker) Forget(symbol string) {
	m.mu.Lock()
	delete(m.belowEMA21, symbol)
	m.mu.Unlock()
}

// climaxTop scores the blow-off-top composite. Four signals, 100 points
// total; 50 fires a warning, 75 fires a P0.
func (m *MAChecker) climaxTop(c *CheckContext) *domain.Alert {
	cfg := m.cfg.ClimaxTop
	if c.PnLPct < cfg.MinGainPct || c.High <= c.Low {
		return nil
	}

	score := 0
	if c.VolumeAvailable && c.VolumeRatio >= cfg.VolumeThreshold {
		score += 30
	}
	if (c.High-c.Low)/c.Low*100 >= cfg.SpreadPct {
		score += 25
	}
	if c.PrevClose > 0 && (c.Open-c.PrevClose)/c.PrevClose*100 >= cfg.GapPct {
		score += 25
	}
	if (c.Price-c.Low)/(c.High-c.Low) <= 0.3 {
		score += 20
	}

	if score < 50 {
		return nil
	}
	priority := domain.PriorityP1
	action := "Tighten the stop, climax behavior building"
	if score >= 75 {
		priority = domain.PriorityP0
		action = "SELL into strength, climax top"
	}
	a := c.newAlert(domain.AlertTypeTechnical, domain.SubtypeClimaxTop, priority,
		fmt.Sprintf("%s shows climax-top signals (score %d): +%.1f%% on %.1fx volume",
			c.Position.Symbol, score, c.PnLPct, c.VolumeRatio), action)
	a.Context.ClimaxScore = score
	return a
}
