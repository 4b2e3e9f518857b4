package domain

import (
	"fmt"
	"time"
)

// RegimeLabel is the composite market classification.
type RegimeLabel string

const (
	RegimeBullish RegimeLabel = "bullish"
	RegimeNeutral RegimeLabel = "neutral"
	RegimeBearish RegimeLabel = "bearish"
)

// RegimeFor maps a composite score in [-1.5, +1.5] onto a label.
func RegimeFor(score float64) RegimeLabel {
	switch {
	case score > 0.5:
		return RegimeBullish
	case score < -0.5:
		return RegimeBearish
	default:
		return RegimeNeutral
	}
}

// MarketPhase is the follow-through tracker's market classification.
type MarketPhase string

const (
	PhaseConfirmedUptrend MarketPhase = "confirmed_uptrend"
	PhaseRallyAttempt     MarketPhase = "rally_attempt"
	PhaseUnderPressure    MarketPhase = "uptrend_under_pressure"
	PhaseCorrection       MarketPhase = "market_in_correction"
)

// DDayTrend classifies the 5-day change in distribution-day pressure.
type DDayTrend string

const (
	TrendImproving DDayTrend = "improving"
	TrendWorsening DDayTrend = "worsening"
	TrendFlat      DDayTrend = "flat"
)

// ExposureBand is the recommended aggregate long exposure range.
type ExposureBand struct {
	MinPct int `json:"min_pct"`
	MaxPct int `json:"max_pct"`
}

// String renders the band as "80-100%".
func (b ExposureBand) String() string {
	return fmt.Sprintf("%d-%d%%", b.MinPct, b.MaxPct)
}

// ExposureBandFor maps the total distribution-day count onto a band.
func ExposureBandFor(totalDDays int) ExposureBand {
	switch {
	case totalDDays <= 4:
		return ExposureBand{80, 100}
	case totalDDays <= 6:
		return ExposureBand{70, 90}
	case totalDDays <= 8:
		return ExposureBand{60, 80}
	case totalDDays <= 10:
		return ExposureBand{40, 60}
	case totalDDays <= 12:
		return ExposureBand{20, 40}
	default:
		return ExposureBand{0, 20}
	}
}

// FuturesSnapshot captures overnight index futures percentage moves.
type FuturesSnapshot struct {
	ESPct     float64   `json:"es_pct"`
	NQPct     float64   `json:"nq_pct"`
	YMPct     float64   `json:"ym_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// RegimeSnapshot is one daily record of market state; at most one row per
// calendar date, overwrite requires explicit confirmation.
type RegimeSnapshot struct {
	ID             int64            `json:"id"`
	Date           time.Time        `json:"date"` // calendar date, truncated to day
	SPYDDays       int              `json:"spy_d_days"`
	QQQDDays       int              `json:"qqq_d_days"`
	SPYDelta5      int              `json:"spy_delta_5d"`
	QQQDelta5      int              `json:"qqq_delta_5d"`
	Trend          DDayTrend        `json:"trend"`
	Phase          MarketPhase      `json:"phase"`
	Score          float64          `json:"score"` // composite in [-1.5, +1.5]
	Regime         RegimeLabel      `json:"regime"`
	Futures        *FuturesSnapshot `json:"futures,omitempty"`
	AlertSent      bool             `json:"alert_sent"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TotalDDays returns the combined distribution-day count across indexes.
func (r RegimeSnapshot) TotalDDays() int {
	return r.SPYDDays + r.QQQDDays
}

// Exposure returns the exposure band for the snapshot's D-day pressure.
func (r RegimeSnapshot) Exposure() ExposureBand {
	return ExposureBandFor(r.TotalDDays())
}
