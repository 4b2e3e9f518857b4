package regime

import (
	"time"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// FTDState is the follow-through tracker's output for one index series.
type FTDState struct {
	RallyDay         int        `json:"rally_day"` // 0 when no attempt is alive
	RallyLow         float64    `json:"rally_low,omitempty"`
	LastFTD          *time.Time `json:"last_ftd,omitempty"`
	FailedRallies    int        `json:"failed_rallies"`
	SuccessfulFTDs   int        `json:"successful_ftds"`
	FTDToday         bool       `json:"ftd_today"`
	RallyInvalidated bool       `json:"rally_invalidated"` // today's action undercut the attempt
}

// FTDTracker detects rally attempts and follow-through days: an attempt
// starts on the first up close after a down close; undercutting the attempt
// low fails it; day four or later with a big up move on rising volume
// confirms the rally.
type FTDTracker struct {
	thresholdPct float64 // minimum close-to-close gain for an FTD
	minRallyDay  int
}

// NewFTDTracker creates the tracker with the configured FTD threshold.
func NewFTDTracker(thresholdPct float64) *FTDTracker {
	return &FTDTracker{thresholdPct: thresholdPct, minRallyDay: 4}
}

// Analyze replays the bar series through the rally state machine and
// returns the state as of the last bar.
func (t *FTDTracker) Analyze(bars []providers.Bar) FTDState {
	state := FTDState{}
	last := len(bars) - 1

	for i := 1; i <= last; i++ {
		prev, cur := bars[i-1], bars[i]

		if state.RallyDay == 0 {
			// An up close after a down close starts an attempt off the
			// down day's low.
			if i >= 2 && cur.Close > prev.Close && prev.Close < bars[i-2].Close {
				state.RallyDay = 1
				state.RallyLow = prev.Low
				if cur.Low < state.RallyLow {
					state.RallyLow = cur.Low
				}
			}
			continue
		}

		// Undercutting the attempt low kills the rally.
		if cur.Low < state.RallyLow {
			state.FailedRallies++
			state.RallyDay = 0
			state.RallyLow = 0
			state.RallyInvalidated = i == last
			continue
		}

		state.RallyDay++
		state.RallyInvalidated = false

		if state.RallyDay >= t.minRallyDay &&
			prev.Close > 0 &&
			(cur.Close-prev.Close)/prev.Close*100 >= t.thresholdPct &&
			cur.Volume > prev.Volume {
			ftdDate := cur.Date
			state.LastFTD = &ftdDate
			state.SuccessfulFTDs++
			state.FTDToday = i == last
		}
	}
	return state
}

// PhaseFor maps the FTD state plus distribution pressure onto the market
// phase. A confirmed rally under heavy distribution is "under pressure".
func PhaseFor(state FTDState, totalDDays int) domain.MarketPhase {
	switch {
	case state.RallyDay > 0 && state.LastFTD != nil:
		if totalDDays >= 7 {
			return domain.PhaseUnderPressure
		}
		return domain.PhaseConfirmedUptrend
	case state.RallyDay > 0:
		return domain.PhaseRallyAttempt
	default:
		return domain.PhaseCorrection
	}
}
