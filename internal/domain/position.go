// Package domain provides core domain models and types.
package domain

import "time"

// Position represents a tracked equity with a lifecycle state.
// Optional attributes are pointers; readers substitute defaults at the call site.
type Position struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Portfolio string    `json:"portfolio"`
	State     StateCode `json:"state"`

	// Setup attributes
	PivotPrice    *float64 `json:"pivot_price,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	BaseStage     int      `json:"base_stage,omitempty"`
	BaseDepthPct  *float64 `json:"base_depth_pct,omitempty"`
	BaseLengthWks *int     `json:"base_length_weeks,omitempty"`

	// Ratings snapshot
	RSRating      *int     `json:"rs_rating,omitempty"`       // 0-99
	RS3Month      *int     `json:"rs_3m,omitempty"`           // 0-99
	RS6Month      *int     `json:"rs_6m,omitempty"`           // 0-99
	EPSRating     *int     `json:"eps_rating,omitempty"`      // 0-99
	CompRating    *int     `json:"comp_rating,omitempty"`     // 0-99
	SMRRating     string   `json:"smr_rating,omitempty"`      // A-E
	ADRating      string   `json:"ad_rating,omitempty"`       // A-E
	UpDownVolume  *float64 `json:"up_down_volume,omitempty"`  // up/down volume ratio
	IndustryRank  *int     `json:"industry_rank,omitempty"`   // 1-197
	FundCount     *int     `json:"fund_count,omitempty"`      // holding funds
	PriorUptrend  *float64 `json:"prior_uptrend_pct,omitempty"`

	// Entry tranches (up to three)
	Entry1Shares *float64 `json:"entry1_shares,omitempty"`
	Entry1Price  *float64 `json:"entry1_price,omitempty"`
	Entry2Shares *float64 `json:"entry2_shares,omitempty"`
	Entry2Price  *float64 `json:"entry2_price,omitempty"`
	Entry3Shares *float64 `json:"entry3_shares,omitempty"`
	Entry3Price  *float64 `json:"entry3_price,omitempty"`

	// Exit tranches (two take-profits plus final close)
	TP1Shares *float64   `json:"tp1_shares,omitempty"`
	TP1Price  *float64   `json:"tp1_price,omitempty"`
	TP1Date   *time.Time `json:"tp1_date,omitempty"`
	TP2Shares *float64   `json:"tp2_shares,omitempty"`
	TP2Price  *float64   `json:"tp2_price,omitempty"`
	TP2Date   *time.Time `json:"tp2_date,omitempty"`

	ClosePrice  *float64   `json:"close_price,omitempty"`
	CloseDate   *time.Time `json:"close_date,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`

	// Risk levels
	HardStopPct *float64 `json:"hard_stop_pct,omitempty"`
	StopPrice   *float64 `json:"stop_price,omitempty"`

	// Tracking
	LastPrice    *float64 `json:"last_price,omitempty"`
	MaxPrice     *float64 `json:"max_price,omitempty"`
	MaxGainPct   *float64 `json:"max_gain_pct,omitempty"`
	HealthScore  *float64 `json:"health_score,omitempty"`
	HealthRating string   `json:"health_rating,omitempty"`

	// 8-week hold window
	EightWeekHoldActive bool       `json:"eight_week_hold_active"`
	EightWeekHoldStart  *time.Time `json:"eight_week_hold_start,omitempty"`
	EightWeekHoldEnd    *time.Time `json:"eight_week_hold_end,omitempty"`
	PowerMovePct        *float64   `json:"power_move_pct,omitempty"`
	PowerMoveWeeks      *int       `json:"power_move_weeks,omitempty"`

	// Dates
	WatchDate       *time.Time `json:"watch_date,omitempty"`
	BreakoutDate    *time.Time `json:"breakout_date,omitempty"`
	EntryDate       *time.Time `json:"entry_date,omitempty"`
	EarningsDate    *time.Time `json:"earnings_date,omitempty"`
	LastTransition  *time.Time `json:"last_transition,omitempty"`
	LastPriceUpdate *time.Time `json:"last_price_update,omitempty"`

	// Prior-extended marker for watchlist alt-entry tracking
	PriorExtendedAt  *time.Time `json:"prior_extended_at,omitempty"`
	AltEntryTestCnt  int        `json:"alt_entry_test_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalShares returns the share-weighted ledger balance:
// sum of entry tranches minus take-profit tranches minus the closing lot.
func (p *Position) TotalShares() float64 {
	total := deref(p.Entry1Shares) + deref(p.Entry2Shares) + deref(p.Entry3Shares)
	total -= deref(p.TP1Shares) + deref(p.TP2Shares)
	if p.ClosePrice != nil {
		// Closing sells whatever remained at close time.
		return 0
	}
	if total < 0 {
		return 0
	}
	return total
}

// AvgCost returns the share-weighted average entry price across tranches.
// Returns 0 when no entries have been placed.
func (p *Position) AvgCost() float64 {
	shares := deref(p.Entry1Shares) + deref(p.Entry2Shares) + deref(p.Entry3Shares)
	if shares <= 0 {
		return 0
	}
	cost := deref(p.Entry1Shares)*deref(p.Entry1Price) +
		deref(p.Entry2Shares)*deref(p.Entry2Price) +
		deref(p.Entry3Shares)*deref(p.Entry3Price)
	return cost / shares
}

// EntryCount returns how many entry tranches have been placed.
func (p *Position) EntryCount() int {
	n := 0
	if p.Entry1Shares != nil && *p.Entry1Shares > 0 {
		n++
	}
	if p.Entry2Shares != nil && *p.Entry2Shares > 0 {
		n++
	}
	if p.Entry3Shares != nil && *p.Entry3Shares > 0 {
		n++
	}
	return n
}

// PnLPct returns the unrealized gain percentage at the given price,
// or 0 when the position has no entries.
func (p *Position) PnLPct(price float64) float64 {
	avg := p.AvgCost()
	if avg <= 0 {
		return 0
	}
	return (price - avg) / avg * 100
}

// DaysInPosition returns whole days since the first entry, or 0 before entry.
func (p *Position) DaysInPosition(now time.Time) int {
	if p.EntryDate == nil {
		return 0
	}
	return int(now.Sub(*p.EntryDate).Hours() / 24)
}

// DaysSinceBreakout returns whole days since the breakout date, or -1 when unset.
func (p *Position) DaysSinceBreakout(now time.Time) int {
	if p.BreakoutDate == nil {
		return -1
	}
	return int(now.Sub(*p.BreakoutDate).Hours() / 24)
}

// InPosition reports whether the position holds shares (state 1, 2 or 3).
func (p *Position) InPosition() bool {
	return p.State == StateEntry1 || p.State == StateEntry2 || p.State == StateEntry3
}

// EightWeekHold is the hold-window write-back produced by the profit checker
// and persisted by the cycle writer in its own short transaction.
type EightWeekHold struct {
	Active         bool       `json:"active"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	PowerMovePct   *float64   `json:"power_move_pct,omitempty"`
	PowerMoveWeeks *int       `json:"power_move_weeks,omitempty"`
}

// HealthRatingFor maps a 0-100 health score onto the published rating scale.
func HealthRatingFor(score float64) string {
	switch {
	case score >= 80:
		return "strong"
	case score >= 65:
		return "stable"
	case score >= 50:
		return "watch"
	case score >= 35:
		return "weak"
	default:
		return "critical"
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// Float64Ptr returns a pointer to v. Convenience for building positions.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
