package domain

import "time"

// AlertType classifies an alert by the checker category that produced it.
type AlertType string

const (
	AlertTypeStop      AlertType = "stop"
	AlertTypeProfit    AlertType = "profit"
	AlertTypePyramid   AlertType = "pyramid"
	AlertTypeAdd       AlertType = "add"
	AlertTypeAltEntry  AlertType = "alt_entry"
	AlertTypeTechnical AlertType = "technical"
	AlertTypeHealth    AlertType = "health"
	AlertTypeMarket    AlertType = "market"
	AlertTypeSystem    AlertType = "system"
)

// Alert subtypes, enumerated per type.
const (
	SubtypeHardStop      = "hard_stop"
	SubtypeTrailingStop  = "trailing_stop"
	SubtypeStopWarning   = "warning"
	SubtypeTP1           = "tp1"
	SubtypeTP2           = "tp2"
	SubtypeEightWeekHold = "eight_week_hold"
	SubtypeP1Ready       = "p1_ready"
	SubtypeP1Extended    = "p1_extended"
	SubtypeP2Ready       = "p2_ready"
	SubtypeP2Extended    = "p2_extended"
	SubtypePullback      = "pullback"
	SubtypeEMA21         = "ema_21"
	SubtypeInBuyZone     = "in_buy_zone"
	SubtypeMABounce      = "ma_bounce"
	SubtypePivotRetest   = "pivot_retest"
	SubtypeMA50Warning   = "ma_50_warning"
	SubtypeMA50Sell      = "ma_50_sell"
	SubtypeEMA21Sell     = "ema_21_sell"
	SubtypeTenWeekSell   = "ten_week_sell"
	SubtypeClimaxTop     = "climax_top"
	SubtypeHealthCrit    = "critical"
	SubtypeEarnings      = "earnings"
	SubtypeLateStage     = "late_stage"
	SubtypeExtended      = "extended"
	SubtypeRegimeChange  = "regime_change"
	SubtypeDistribution  = "distribution_day"
	SubtypeFollowThrough = "follow_through_day"
	SubtypeInfo          = "info"
	SubtypeWarning       = "warning"
	SubtypeError         = "error"
	SubtypeSuccess       = "success"
)

// Priority orders alerts by urgency: P0 immediate action, P1 important,
// P2 informational. Lower value means more urgent.
type Priority int

const (
	PriorityP0 Priority = 0
	PriorityP1 Priority = 1
	PriorityP2 Priority = 2
)

// String returns the published priority label.
func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	default:
		return "P2"
	}
}

// Severity classes map (type, subtype) pairs for routing decisions.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertContext is the payload captured at evaluation time. It is stored as
// a JSON column and never mutated after creation.
type AlertContext struct {
	Price          float64 `json:"price,omitempty"`
	Pivot          float64 `json:"pivot,omitempty"`
	AvgCost        float64 `json:"avg_cost,omitempty"`
	PnLPct         float64 `json:"pnl_pct,omitempty"`
	EMA21          float64 `json:"ema_21,omitempty"`
	SMA50          float64 `json:"sma_50,omitempty"`
	SMA200         float64 `json:"sma_200,omitempty"`
	SMA10Week      float64 `json:"sma_10w,omitempty"`
	VolumeRatio    float64 `json:"volume_ratio,omitempty"`
	HealthScore    float64 `json:"health_score,omitempty"`
	MarketRegime   string  `json:"market_regime,omitempty"`
	State          float64 `json:"state,omitempty"`
	DaysInPosition int     `json:"days_in_position,omitempty"`
	ClimaxScore    int     `json:"climax_score,omitempty"`
	StopPrice      float64 `json:"stop_price,omitempty"`
	SharesSuggested float64 `json:"shares_suggested,omitempty"`
	BreakoutScore  int     `json:"breakout_score,omitempty"`
	TestCount      int     `json:"test_count,omitempty"`
}

// Alert is one evaluation outcome from a checker. Alerts never mutate after
// creation except for acknowledgement.
type Alert struct {
	ID             int64        `json:"id"`
	TraceID        string       `json:"trace_id"` // uuid assigned at creation
	PositionID     *int64       `json:"position_id,omitempty"`
	Symbol         string       `json:"symbol"`
	Type           AlertType    `json:"type"`
	Subtype        string       `json:"subtype"`
	Priority       Priority     `json:"priority"`
	Message        string       `json:"message"`
	Action         string       `json:"action,omitempty"`
	ThreadSource   string       `json:"thread_source,omitempty"`
	Context        AlertContext `json:"context"`
	CreatedAt      time.Time    `json:"created_at"`
	Acknowledged   bool         `json:"acknowledged"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
}

// DedupKey is the logical deduplication key for cooldown and in-cycle dedup.
func (a Alert) DedupKey() string {
	return a.Symbol + "|" + a.Subtype
}

// validSubtypes enumerates the taxonomy; CreateAlert rejects pairs not listed.
var validSubtypes = map[AlertType][]string{
	AlertTypeStop:      {SubtypeHardStop, SubtypeTrailingStop, SubtypeStopWarning},
	AlertTypeProfit:    {SubtypeTP1, SubtypeTP2, SubtypeEightWeekHold},
	AlertTypePyramid:   {SubtypeP1Ready, SubtypeP1Extended, SubtypeP2Ready, SubtypeP2Extended},
	AlertTypeAdd:       {SubtypePullback, SubtypeEMA21, SubtypeInBuyZone},
	AlertTypeAltEntry:  {SubtypeMABounce, SubtypePivotRetest},
	AlertTypeTechnical: {SubtypeMA50Warning, SubtypeMA50Sell, SubtypeEMA21Sell, SubtypeTenWeekSell, SubtypeClimaxTop},
	AlertTypeHealth:    {SubtypeHealthCrit, SubtypeEarnings, SubtypeLateStage, SubtypeExtended},
	AlertTypeMarket:    {SubtypeRegimeChange, SubtypeDistribution, SubtypeFollowThrough},
	AlertTypeSystem:    {SubtypeInfo, SubtypeWarning, SubtypeError, SubtypeSuccess},
}

// ValidSubtype reports whether the (type, subtype) pair is in the taxonomy.
func ValidSubtype(t AlertType, subtype string) bool {
	for _, s := range validSubtypes[t] {
		if s == subtype {
			return true
		}
	}
	return false
}

// SeverityFor maps (type, subtype) to a severity class. P0 subtypes are
// critical, informational subtypes are info, everything else warns.
func SeverityFor(t AlertType, subtype string) Severity {
	if _, ok := cooldownBypass[subtype]; ok {
		return SeverityCritical
	}
	switch subtype {
	case SubtypeInfo, SubtypeSuccess, SubtypeLateStage, SubtypeEightWeekHold:
		return SeverityInfo
	}
	if t == AlertTypeMarket {
		return SeverityInfo
	}
	return SeverityWarning
}

// cooldownBypass holds the subtypes that skip the cooldown gate entirely.
// These demand immediate action every time they trigger.
var cooldownBypass = map[string]struct{}{
	SubtypeHardStop:     {},
	SubtypeTrailingStop: {},
	SubtypeMA50Sell:     {},
	SubtypeTenWeekSell:  {},
	SubtypeHealthCrit:   {},
	SubtypeClimaxTop:    {},
}

// BypassesCooldown reports whether the alert skips the cooldown gate.
// Climax top only bypasses at high conviction; the moderate-score warning
// cools down like any other repeat.
func BypassesCooldown(subtype string, priority Priority) bool {
	if subtype == SubtypeClimaxTop {
		return priority == PriorityP0
	}
	_, ok := cooldownBypass[subtype]
	return ok
}

// Channel names for alert routing.
const (
	ChannelBreakout = "breakout"
	ChannelPosition = "position"
	ChannelMarket   = "market"
	ChannelSystem   = "system"
)

// DefaultRouting maps alert types to delivery channels. The live table can
// be replaced at runtime via RELOAD_CONFIG.
func DefaultRouting() map[AlertType]string {
	return map[AlertType]string{
		AlertTypeStop:      ChannelPosition,
		AlertTypeProfit:    ChannelPosition,
		AlertTypePyramid:   ChannelPosition,
		AlertTypeAdd:       ChannelPosition,
		AlertTypeAltEntry:  ChannelBreakout,
		AlertTypeTechnical: ChannelPosition,
		AlertTypeHealth:    ChannelPosition,
		AlertTypeMarket:    ChannelMarket,
		AlertTypeSystem:    ChannelSystem,
	}
}
