// Package monitor is the rule engine: a fixed, ordered chain of checkers
// evaluated per tracked symbol per cycle. Checkers are pure functions of the
// per-cycle context except for small per-symbol caches they own themselves.
package monitor

import (
	"time"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// historyDepth bounds the per-symbol price ring used for bounce detection.
const historyDepth = 10

// CheckContext is the immutable evaluation context for one symbol in one
// cycle. Checkers read it and return candidate alerts; the only mutation
// allowed is through the side-channel setters below.
type CheckContext struct {
	Position *domain.Position
	Now      time.Time

	// Quote snapshot
	Price           float64
	Open            float64
	High            float64
	Low             float64
	PrevClose       float64
	VolumeRatio     float64
	VolumeAvailable bool

	// Technicals
	MAs providers.MovingAverages

	// Market backdrop
	Regime   domain.RegimeLabel
	SPYPrice float64

	// Derived once at construction
	AvgCost           float64
	Shares            float64
	PnLPct            float64
	PnLDollars        float64
	MaxPrice          float64
	MaxGainPct        float64
	DaysInPosition    int
	DaysSinceBreakout int
	DaysToEarnings    int // -1 when unknown

	// History is the last prices for the symbol, oldest first, current last.
	History []float64

	// Side channels collected by the cycle writer.
	holdUpdate   *domain.EightWeekHold
	healthUpdate *float64

	// stopFired short-circuits the Stop and MA categories once a P0
	// sell signal has fired for the symbol this cycle.
	stopFired bool
}

// NewCheckContext derives the per-cycle context for one position.
func NewCheckContext(pos *domain.Position, quote providers.Quote, mas providers.MovingAverages,
	regime domain.RegimeLabel, spyPrice float64, history []float64, now time.Time) *CheckContext {

	c := &CheckContext{
		Position:        pos,
		Now:             now,
		Price:           quote.Last,
		Open:            quote.Open,
		High:            quote.High,
		Low:             quote.Low,
		PrevClose:       quote.Close,
		VolumeRatio:     quote.VolumeRatio(),
		VolumeAvailable: quote.VolumeAvailable,
		MAs:             mas,
		Regime:          regime,
		SPYPrice:        spyPrice,
		History:         history,
	}

	c.AvgCost = pos.AvgCost()
	c.Shares = pos.TotalShares()
	c.PnLPct = pos.PnLPct(quote.Last)
	c.PnLDollars = (quote.Last - c.AvgCost) * c.Shares
	c.DaysInPosition = pos.DaysInPosition(now)
	c.DaysSinceBreakout = pos.DaysSinceBreakout(now)

	c.MaxPrice = quote.Last
	if pos.MaxPrice != nil && *pos.MaxPrice > quote.Last {
		c.MaxPrice = *pos.MaxPrice
	}
	c.MaxGainPct = c.PnLPct
	if pos.MaxGainPct != nil && *pos.MaxGainPct > c.MaxGainPct {
		c.MaxGainPct = *pos.MaxGainPct
	}

	c.DaysToEarnings = -1
	if pos.EarningsDate != nil {
		days := int(pos.EarningsDate.Sub(now).Hours() / 24)
		if days >= 0 {
			c.DaysToEarnings = days
		}
	}
	return c
}

// Pivot returns the pivot price or 0 when unset.
func (c *CheckContext) Pivot() float64 {
	if c.Position.PivotPrice == nil {
		return 0
	}
	return *c.Position.PivotPrice
}

// StopPrice returns the configured hard stop, or 0 when unset.
func (c *CheckContext) StopPrice() float64 {
	if c.Position.StopPrice == nil {
		return 0
	}
	return *c.Position.StopPrice
}

// SetHoldUpdate records an 8-week-hold write-back for the cycle writer.
func (c *CheckContext) SetHoldUpdate(hold domain.EightWeekHold) {
	c.holdUpdate = &hold
}

// HoldUpdate returns the pending hold write-back, or nil.
func (c *CheckContext) HoldUpdate() *domain.EightWeekHold {
	return c.holdUpdate
}

// SetHealthUpdate records a recomputed health score for the cycle writer.
func (c *CheckContext) SetHealthUpdate(score float64) {
	c.healthUpdate = &score
}

// HealthUpdate returns the pending health write-back, or nil.
func (c *CheckContext) HealthUpdate() *float64 {
	return c.healthUpdate
}

// MarkStopFired flags the symbol as having a P0 sell signal this cycle.
func (c *CheckContext) MarkStopFired() { c.stopFired = true }

// StopFired reports whether a P0 sell signal already fired this cycle.
func (c *CheckContext) StopFired() bool { return c.stopFired }

// baseContext captures the standard alert payload fields from the context.
func (c *CheckContext) baseContext() domain.AlertContext {
	return domain.AlertContext{
		Price:          c.Price,
		Pivot:          c.Pivot(),
		AvgCost:        c.AvgCost,
		PnLPct:         c.PnLPct,
		EMA21:          c.MAs.EMA21,
		SMA50:          c.MAs.SMA50,
		SMA200:         c.MAs.SMA200,
		SMA10Week:      c.MAs.SMA10Week,
		VolumeRatio:    c.VolumeRatio,
		MarketRegime:   string(c.Regime),
		State:          c.Position.State.Float(),
		DaysInPosition: c.DaysInPosition,
	}
}

// newAlert builds a candidate alert carrying the standard context payload.
func (c *CheckContext) newAlert(t domain.AlertType, subtype string, priority domain.Priority, message, action string) *domain.Alert {
	return &domain.Alert{
		PositionID:   &c.Position.ID,
		Symbol:       c.Position.Symbol,
		Type:         t,
		Subtype:      subtype,
		Priority:     priority,
		Message:      message,
		Action:       action,
		ThreadSource: "position",
		Context:      c.baseContext(),
	}
}

// Checker is one rule in the chain.
type Checker interface {
	Name() string
	Check(c *CheckContext) []*domain.Alert
}

// priceRing is the fixed-size per-symbol price history.
type priceRing struct {
	prices []float64
}

func (r *priceRing) push(p float64) {
	r.prices = append(r.prices, p)
	if len(r.prices) > historyDepth {
		r.prices = r.prices[len(r.prices)-historyDepth:]
	}
}

func (r *priceRing) snapshot() []float64 {
	out := make([]float64, len(r.prices))
	copy(out, r.prices)
	return out
}

// sawBounce reports whether the history shows a dip-and-recover pattern:
// some earlier price at or below the level (within tolerance) followed by
// two rising prices at the end.
func sawBounce(history []float64, level, tolerancePct float64) bool {
	if len(history) < 3 || level <= 0 {
		return false
	}
	n := len(history)
	if !(history[n-1] > history[n-2]) {
		return false
	}
	floor := level * (1 + tolerancePct/100)
	for _, p := range history[:n-1] {
		if p <= floor {
			return true
		}
	}
	return false
}

// withinPct reports whether price is within tolerancePct of level.
func withinPct(price, level, tolerancePct float64) bool {
	if level <= 0 {
		return false
	}
	diff := price - level
	if diff < 0 {
		diff = -diff
	}
	return diff/level*100 <= tolerancePct
}
