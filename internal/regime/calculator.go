package regime

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/pkg/formulas"
)

// Index symbols the calculator consumes. SPY and QQQ drive the D-day
// counts; all supplied indexes contribute to the trend posture.
const (
	SymbolSPY = "SPY"
	SymbolQQQ = "QQQ"
	SymbolDIA = "DIA"
	SymbolIWM = "IWM"
)

// minBars is the history needed for the 200-day SMA posture check.
const minBars = 250

// Inputs is one calculator run's raw material.
type Inputs struct {
	Bars    map[string][]providers.Bar
	Futures *domain.FuturesSnapshot
	Date    time.Time
}

// Calculator folds distribution pressure, follow-through state, index
// trend posture, and overnight futures into the composite regime score.
type Calculator struct {
	cfg   config.RegimeConfig
	ddays *DDayTracker
	ftd   *FTDTracker
	log   zerolog.Logger
}

// New creates the calculator from config.
func New(cfg config.RegimeConfig, log zerolog.Logger) *Calculator {
	return &Calculator{
		cfg:   cfg,
		ddays: NewDDayTracker(cfg.DDayWindowDays, cfg.DDayDeclinePct),
		ftd:   NewFTDTracker(cfg.FTDThresholdPct),
		log:   log.With().Str("component", "regime").Logger(),
	}
}

// Compute produces today's regime snapshot. SPY and QQQ bars are required;
// DIA/IWM and futures refine the score when present.
func (c *Calculator) Compute(in Inputs) (*domain.RegimeSnapshot, error) {
	spy, ok := in.Bars[SymbolSPY]
	if !ok || len(spy) < minBars {
		return nil, fmt.Errorf("regime compute requires %d SPY bars, have %d", minBars, len(spy))
	}
	qqq, ok := in.Bars[SymbolQQQ]
	if !ok || len(qqq) < minBars {
		return nil, fmt.Errorf("regime compute requires %d QQQ bars, have %d", minBars, len(qqq))
	}

	snap := &domain.RegimeSnapshot{
		Date:      in.Date,
		SPYDDays:  c.ddays.Count(spy),
		QQQDDays:  c.ddays.Count(qqq),
		SPYDelta5: c.ddays.Delta5(spy),
		QQQDelta5: c.ddays.Delta5(qqq),
		Futures:   in.Futures,
	}
	snap.Trend = TrendFor(snap.SPYDelta5 + snap.QQQDelta5)

	ftdState := c.ftd.Analyze(spy)
	snap.Phase = PhaseFor(ftdState, snap.TotalDDays())

	dday := ddayComponent(snap.TotalDDays())
	phase := phaseComponent(snap.Phase)
	trend := c.trendComponent(in.Bars)
	futures := futuresComponent(in.Futures)

	score := c.cfg.WeightDDays*dday +
		c.cfg.WeightFTD*phase +
		c.cfg.WeightTrend*trend +
		c.cfg.WeightFutures*futures
	if score > 1.5 {
		score = 1.5
	}
	if score < -1.5 {
		score = -1.5
	}
	snap.Score = score

	switch {
	case score > c.cfg.BullishThreshold:
		snap.Regime = domain.RegimeBullish
	case score < c.cfg.BearishThreshold:
		snap.Regime = domain.RegimeBearish
	default:
		snap.Regime = domain.RegimeNeutral
	}

	c.log.Info().
		Int("spy_d_days", snap.SPYDDays).
		Int("qqq_d_days", snap.QQQDDays).
		Str("phase", string(snap.Phase)).
		Float64("score", snap.Score).
		Str("regime", string(snap.Regime)).
		Str("exposure", snap.Exposure().String()).
		Msg("Regime computed")
	return snap, nil
}

// ddayComponent maps total distribution pressure onto [-1, +1], mirroring
// the exposure-band ladder.
func ddayComponent(total int) float64 {
	switch {
	case total <= 4:
		return 1
	case total <= 6:
		return 0.5
	case total <= 8:
		return 0
	case total <= 10:
		return -0.5
	case total <= 12:
		return -0.75
	default:
		return -1
	}
}

func phaseComponent(phase domain.MarketPhase) float64 {
	switch phase {
	case domain.PhaseConfirmedUptrend:
		return 1
	case domain.PhaseRallyAttempt:
		return 0
	case domain.PhaseUnderPressure:
		return -0.5
	default:
		return -1
	}
}

// trendComponent averages the index posture versus the 50 and 200 SMAs:
// above both +1, below both -1, mixed 0.
func (c *Calculator) trendComponent(bars map[string][]providers.Bar) float64 {
	var total float64
	var n int
	for _, symbol := range []string{SymbolSPY, SymbolQQQ, SymbolDIA, SymbolIWM} {
		series, ok := bars[symbol]
		if !ok || len(series) < minBars {
			continue
		}
		closes := make([]float64, len(series))
		for i, b := range series {
			closes[i] = b.Close
		}
		price := closes[len(closes)-1]
		sma50 := formulas.SMA(closes, 50)
		sma200 := formulas.SMA(closes, 200)

		switch {
		case price > sma50 && price > sma200:
			total++
		case price < sma50 && price < sma200:
			total--
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// futuresComponent maps the average overnight move onto [-1, +1], a 2%
// average move saturating the component.
func futuresComponent(f *domain.FuturesSnapshot) float64 {
	if f == nil {
		return 0
	}
	avg := (f.ESPct + f.NQPct + f.YMPct) / 3
	comp := avg / 2
	if comp > 1 {
		comp = 1
	}
	if comp < -1 {
		comp = -1
	}
	return comp
}
