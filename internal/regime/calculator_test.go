package regime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

func testBar(day int, close, volume float64) providers.Bar {
	return providers.Bar{
		Date:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:   close,
		High:   close * 1.002,
		Low:    close * 0.998,
		Close:  close,
		Volume: volume,
	}
}

// correctionIndexBars builds a 250-bar index series: a long advance, a
// shallow drift lower, then a 25-day tail alternating distribution days
// (-0.3% on rising volume) with feeble up days (+0.05% on light volume).
// dDays holds the tail-relative indices of the distribution days.
func correctionIndexBars(dDays map[int]bool) []providers.Bar {
	bars := make([]providers.Bar, 0, 250)

	// Advance from 80 to 120 on steady volume.
	for i := 0; i < 200; i++ {
		close := 80 + 40*float64(i)/199
		bars = append(bars, testBar(i, close, 1_000_000))
	}
	// Shallow drift, too small to register as distribution.
	price := 120.0
	for i := 200; i < 225; i++ {
		price *= 0.9985
		bars = append(bars, testBar(i, price, 1_000_000))
	}
	// The tail: every distribution day undercuts the nascent rally.
	for i := 225; i < 250; i++ {
		rel := i - 225
		if dDays[rel] {
			price *= 0.997
			bars = append(bars, testBar(i, price, 1_200_000))
		} else {
			price *= 1.0005
			bars = append(bars, testBar(i, price, 900_000))
		}
	}
	return bars
}

func TestCompute_HeavyDistributionCorrection(t *testing.T) {
	spyDDays := map[int]bool{0: true, 2: true, 4: true, 6: true, 8: true,
		10: true, 12: true, 14: true, 16: true, 20: true, 24: true}
	qqqDDays := make(map[int]bool, len(spyDDays))
	for k := range spyDDays {
		qqqDDays[k] = true
	}
	delete(qqqDDays, 8)

	calc := New(config.Defaults().Regime, zerolog.Nop())
	snap, err := calc.Compute(Inputs{
		Bars: map[string][]providers.Bar{
			SymbolSPY: correctionIndexBars(spyDDays),
			SymbolQQQ: correctionIndexBars(qqqDDays),
		},
		Futures: &domain.FuturesSnapshot{ESPct: 1.0, NQPct: 1.0, YMPct: 1.0},
		Date:    time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, 11, snap.SPYDDays)
	assert.Equal(t, 10, snap.QQQDDays)
	assert.Equal(t, 21, snap.TotalDDays())
	assert.Equal(t, domain.TrendWorsening, snap.Trend)
	assert.Equal(t, domain.PhaseCorrection, snap.Phase)
	// d-days -1*0.5, phase -1*0.4, trend mixed 0, futures +0.5*0.2
	assert.InDelta(t, -0.8, snap.Score, 0.001)
	assert.Equal(t, domain.RegimeBearish, snap.Regime)
	assert.Equal(t, "0-20%", snap.Exposure().String())
}

func TestCompute_CalmUptrendScoresHigh(t *testing.T) {
	bars := make([]providers.Bar, 0, 250)
	for i := 0; i < 250; i++ {
		bars = append(bars, testBar(i, 80+40*float64(i)/249, 1_000_000))
	}

	calc := New(config.Defaults().Regime, zerolog.Nop())
	snap, err := calc.Compute(Inputs{
		Bars: map[string][]providers.Bar{
			SymbolSPY: bars,
			SymbolQQQ: bars,
		},
		Date: time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, snap.TotalDDays())
	// No down close ever happened, so no rally attempt is alive and the
	// phase machine reports correction; the d-day and trend components
	// still lift the score to the top of the neutral band.
	assert.Equal(t, 0, snap.SPYDelta5)
	assert.Equal(t, domain.TrendFlat, snap.Trend)
	assert.InDelta(t, 0.5, snap.Score, 0.001) // 0.5*1 + 0.4*-1 + 0.4*1 + 0
	assert.Equal(t, "80-100%", snap.Exposure().String())
}

func TestCompute_RequiresIndexHistory(t *testing.T) {
	calc := New(config.Defaults().Regime, zerolog.Nop())
	_, err := calc.Compute(Inputs{Bars: map[string][]providers.Bar{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPY")
}

func TestDDayTracker_CountAndDelta(t *testing.T) {
	tr := NewDDayTracker(25, 0.2)

	bars := make([]providers.Bar, 0, 40)
	for i := 0; i < 40; i++ {
		bars = append(bars, testBar(i, 100, 1_000_000))
	}
	// Decline on rising volume counts.
	bars[30] = testBar(30, 99.5, 1_500_000)
	// Same decline on falling volume does not.
	bars[32] = testBar(32, 99.5, 800_000)
	// Decline below the threshold does not.
	bars[34] = testBar(34, 99.9, 1_500_000)
	// Recent one inside the 5-day lookback.
	bars[38] = testBar(38, 99.5, 1_500_000)

	assert.Equal(t, 2, tr.Count(bars))
	assert.Equal(t, 1, tr.Delta5(bars))
	assert.Equal(t, domain.TrendWorsening, TrendFor(tr.Delta5(bars)))
}

func TestDDayTracker_WindowRollsOff(t *testing.T) {
	tr := NewDDayTracker(25, 0.2)

	bars := make([]providers.Bar, 0, 40)
	for i := 0; i < 40; i++ {
		bars = append(bars, testBar(i, 100, 1_000_000))
	}
	bars[5] = testBar(5, 99.0, 2_000_000) // outside the trailing 25 bars

	assert.Equal(t, 0, tr.Count(bars))
}

func TestFTDTracker_FollowThroughOnDayFour(t *testing.T) {
	tr := NewFTDTracker(1.5)

	bars := []providers.Bar{
		testBar(0, 100, 1_000_000),
		testBar(1, 99, 1_000_000),   // down
		testBar(2, 98, 1_000_000),   // down
		testBar(3, 98.5, 900_000),   // rally day 1
		testBar(4, 99, 950_000),     // day 2
		testBar(5, 99.5, 900_000),   // day 3
		testBar(6, 101.2, 1_400_000), // day 4, +1.71% on higher volume
	}

	state := tr.Analyze(bars)
	assert.Equal(t, 4, state.RallyDay)
	assert.Equal(t, 1, state.SuccessfulFTDs)
	assert.True(t, state.FTDToday)
	require.NotNil(t, state.LastFTD)
	assert.Equal(t, bars[6].Date, *state.LastFTD)
	assert.Equal(t, domain.PhaseConfirmedUptrend, PhaseFor(state, 3))
	assert.Equal(t, domain.PhaseUnderPressure, PhaseFor(state, 8))
}

func TestFTDTracker_UndercutFailsRally(t *testing.T) {
	tr := NewFTDTracker(1.5)

	bars := []providers.Bar{
		testBar(0, 100, 1_000_000),
		testBar(1, 99, 1_000_000),  // down, low ~98.8
		testBar(2, 99.4, 900_000),  // rally day 1
		testBar(3, 98.2, 1_100_000), // undercuts the rally low
	}

	state := tr.Analyze(bars)
	assert.Equal(t, 0, state.RallyDay)
	assert.Equal(t, 1, state.FailedRallies)
	assert.True(t, state.RallyInvalidated)
	assert.Equal(t, domain.PhaseCorrection, PhaseFor(state, 5))
}

func TestFTDTracker_WeakDayFourIsNotFTD(t *testing.T) {
	tr := NewFTDTracker(1.5)

	bars := []providers.Bar{
		testBar(0, 100, 1_000_000),
		testBar(1, 99, 1_000_000),
		testBar(2, 99.2, 900_000),
		testBar(3, 99.4, 950_000),
		testBar(4, 99.6, 900_000),
		testBar(5, 99.9, 1_200_000), // day 4 but only +0.3%
	}

	state := tr.Analyze(bars)
	assert.Equal(t, 4, state.RallyDay)
	assert.Equal(t, 0, state.SuccessfulFTDs)
	assert.Nil(t, state.LastFTD)
	assert.Equal(t, domain.PhaseRallyAttempt, PhaseFor(state, 3))
}
