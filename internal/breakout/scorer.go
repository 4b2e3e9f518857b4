// Package breakout scores state-0 watchlist symbols against their pivot and
// sizes the suggested entry. The breakout worker runs the scorer once per
// cycle over the live watchlist.
package breakout

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// Scoring weights. A candidate needs zone placement plus volume to clear the
// alert threshold; ratings and trend posture separate leaders from laggards.
const (
	ScoreBuyZone     = 40 // price within the buy zone above the pivot
	ScoreApproaching = 15 // price just under the pivot
	ScoreVolumeHeavy = 25 // volume ratio at or above VolumeHeavy
	ScoreVolumeOK    = 15 // volume ratio at or above VolumeConfirm
	ScoreRSLeader    = 15 // RS rating 90+
	ScoreRSStrong    = 10 // RS rating 80+
	ScoreADStrong    = 10 // accumulation rating A or B
	ScoreADNeutral   = 5  // accumulation rating C
	ScoreTrendAbove  = 10 // price above both 21-EMA and 50-SMA

	// AlertThreshold is the minimum composite score for a breakout alert.
	AlertThreshold = 70
)

// Zone and volume thresholds, percentages relative to the pivot.
const (
	BuyZonePct    = 5.0 // buy zone spans pivot to pivot * 1.05
	ApproachPct   = 2.0 // "approaching" starts this far under the pivot
	VolumeConfirm = 1.5
	VolumeHeavy   = 2.0
)

// Evaluation is one symbol's breakout assessment for a cycle.
type Evaluation struct {
	Symbol       string   `json:"symbol"`
	Price        float64  `json:"price"`
	Pivot        float64  `json:"pivot"`
	PctFromPivot float64  `json:"pct_from_pivot"`
	VolumeRatio  float64  `json:"volume_ratio"`
	Score        int      `json:"score"`
	InBuyZone    bool     `json:"in_buy_zone"`
	Approaching  bool     `json:"approaching"`
	Extended     bool     `json:"extended"` // above the buy zone
	Signals      []string `json:"signals,omitempty"`
}

// Actionable reports whether the evaluation clears the alert bar.
func (e Evaluation) Actionable() bool {
	return e.InBuyZone && e.Score >= AlertThreshold
}

// Scorer evaluates watchlist candidates. Stateless; safe to share.
type Scorer struct {
	log zerolog.Logger
}

// NewScorer creates the scorer.
func NewScorer(log zerolog.Logger) *Scorer {
	return &Scorer{log: log.With().Str("component", "breakout").Logger()}
}

// Evaluate scores one watchlist position against its quote and technicals.
// Positions without a pivot score zero.
func (s *Scorer) Evaluate(pos *domain.Position, quote providers.Quote, mas providers.MovingAverages) Evaluation {
	eval := Evaluation{Symbol: pos.Symbol, Price: quote.Last}
	if pos.PivotPrice == nil || *pos.PivotPrice <= 0 || quote.Last <= 0 {
		return eval
	}
	eval.Pivot = *pos.PivotPrice
	eval.PctFromPivot = (quote.Last - eval.Pivot) / eval.Pivot * 100
	eval.VolumeRatio = quote.VolumeRatio()

	switch {
	case eval.PctFromPivot >= 0 && eval.PctFromPivot <= BuyZonePct:
		eval.InBuyZone = true
		eval.Score += ScoreBuyZone
		eval.Signals = append(eval.Signals,
			fmt.Sprintf("in buy zone (+%.1f%% from pivot)", eval.PctFromPivot))
	case eval.PctFromPivot < 0 && eval.PctFromPivot >= -ApproachPct:
		eval.Approaching = true
		eval.Score += ScoreApproaching
		eval.Signals = append(eval.Signals,
			fmt.Sprintf("approaching pivot (%.1f%%)", eval.PctFromPivot))
	case eval.PctFromPivot > BuyZonePct:
		eval.Extended = true
		eval.Signals = append(eval.Signals,
			fmt.Sprintf("extended +%.1f%% above pivot", eval.PctFromPivot))
	}

	switch {
	case eval.VolumeRatio >= VolumeHeavy:
		eval.Score += ScoreVolumeHeavy
		eval.Signals = append(eval.Signals, fmt.Sprintf("volume %.1fx average", eval.VolumeRatio))
	case eval.VolumeRatio >= VolumeConfirm:
		eval.Score += ScoreVolumeOK
		eval.Signals = append(eval.Signals, fmt.Sprintf("volume %.1fx average", eval.VolumeRatio))
	}

	if pos.RSRating != nil {
		switch {
		case *pos.RSRating >= 90:
			eval.Score += ScoreRSLeader
			eval.Signals = append(eval.Signals, fmt.Sprintf("RS %d", *pos.RSRating))
		case *pos.RSRating >= 80:
			eval.Score += ScoreRSStrong
			eval.Signals = append(eval.Signals, fmt.Sprintf("RS %d", *pos.RSRating))
		}
	}

	switch pos.ADRating {
	case "A", "B":
		eval.Score += ScoreADStrong
	case "C":
		eval.Score += ScoreADNeutral
	}

	if mas.EMA21 > 0 && mas.SMA50 > 0 && quote.Last > mas.EMA21 && quote.Last > mas.SMA50 {
		eval.Score += ScoreTrendAbove
	}

	return eval
}

// BuildAlert renders an actionable evaluation as a buy-zone alert carrying
// the sizing suggestion. The caller has already checked Actionable.
func BuildAlert(pos *domain.Position, eval Evaluation, sug Suggestion, regime domain.RegimeLabel) *domain.Alert {
	msg := fmt.Sprintf("%s breaking out: $%.2f, +%.1f%% from pivot $%.2f on %.1fx volume (score %d)",
		pos.Symbol, eval.Price, eval.PctFromPivot, eval.Pivot, eval.VolumeRatio, eval.Score)
	action := fmt.Sprintf("BUY %d shares (~$%.0f), stop $%.2f",
		int(sug.Shares), sug.Value, sug.StopPrice)

	return &domain.Alert{
		PositionID:   &pos.ID,
		Symbol:       pos.Symbol,
		Type:         domain.AlertTypeAdd,
		Subtype:      domain.SubtypeInBuyZone,
		Priority:     domain.PriorityP1,
		Message:      msg,
		Action:       action,
		ThreadSource: "breakout",
		Context: domain.AlertContext{
			Price:           eval.Price,
			Pivot:           eval.Pivot,
			VolumeRatio:     eval.VolumeRatio,
			BreakoutScore:   eval.Score,
			SharesSuggested: sug.Shares,
			StopPrice:       sug.StopPrice,
			MarketRegime:    string(regime),
			State:           pos.State.Float(),
		},
	}
}
