package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
	vigiltest "github.com/mberan/vigil/internal/testing"
)

// passthroughDispatcher skips the pipeline and returns every candidate, so
// checker output can be asserted directly.
type passthroughDispatcher struct {
	batches [][]*domain.Alert
}

func (d *passthroughDispatcher) CreateBatch(ctx context.Context, candidates []*domain.Alert) []*domain.Alert {
	d.batches = append(d.batches, candidates)
	return candidates
}

type memWriter struct {
	prices  map[string]float64
	holds   map[int64]domain.EightWeekHold
	healths map[int64]float64
}

func newMemWriter() *memWriter {
	return &memWriter{
		prices:  make(map[string]float64),
		holds:   make(map[int64]domain.EightWeekHold),
		healths: make(map[int64]float64),
	}
}

func (w *memWriter) UpdatePrice(pos *domain.Position, price float64, ts time.Time) error {
	w.prices[pos.Symbol] = price
	return nil
}

func (w *memWriter) UpdateEightWeekHold(id int64, hold domain.EightWeekHold) error {
	w.holds[id] = hold
	return nil
}

func (w *memWriter) UpdateHealth(id int64, score float64, rating string) error {
	w.healths[id] = score
	return nil
}

func healthyMAs(price float64) providers.MovingAverages {
	return providers.MovingAverages{
		EMA21:     price * 0.97,
		SMA50:     price * 0.92,
		SMA200:    price * 0.85,
		SMA10Week: price * 0.90,
	}
}

func masFor(mas providers.MovingAverages) TechnicalsFunc {
	return func(ctx context.Context, symbol string) (providers.MovingAverages, error) {
		return mas, nil
	}
}

func newMonitor(t *testing.T) (*Monitor, *passthroughDispatcher, *memWriter) {
	t.Helper()
	cfg := config.Defaults().Monitoring
	d := &passthroughDispatcher{}
	w := newMemWriter()
	return New(cfg, d, w, zerolog.Nop()), d, w
}

func subtypes(alerts []*domain.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Subtype)
	}
	return out
}

func findAlert(alerts []*domain.Alert, subtype string) *domain.Alert {
	for _, a := range alerts {
		if a.Subtype == subtype {
			return a
		}
	}
	return nil
}

// Hard stop: one P0 alert, correct payload, and no MA alerts in the same
// cycle even though the price is below the 50-SMA too.
func TestCycle_HardStop(t *testing.T) {
	m, _, w := newMonitor(t)

	pos := vigiltest.EnteredPosition("NVDA", 200, 100)
	pos.ID = 1
	pos.State = domain.StateEntry2
	pos.Entry2Shares = domain.Float64Ptr(0)
	pos.StopPrice = domain.Float64Ptr(93.0)

	quote := vigiltest.QuoteAt("NVDA", 92.50)
	// MAs above the price: without the short-circuit these would also fire.
	mas := providers.MovingAverages{EMA21: 105, SMA50: 104, SMA200: 95, SMA10Week: 103}

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"NVDA": quote}, masFor(mas), domain.RegimeNeutral, 500)

	require.Equal(t, 1, result.PositionsChecked)
	stopAlerts := []*domain.Alert{}
	for _, a := range result.Alerts {
		if a.Type == domain.AlertTypeStop || a.Type == domain.AlertTypeTechnical {
			stopAlerts = append(stopAlerts, a)
		}
	}
	require.Len(t, stopAlerts, 1, "only the hard stop may fire: %v", subtypes(result.Alerts))
	a := stopAlerts[0]
	assert.Equal(t, domain.SubtypeHardStop, a.Subtype)
	assert.Equal(t, domain.PriorityP0, a.Priority)
	assert.InDelta(t, -7.5, a.Context.PnLPct, 0.01)
	assert.InDelta(t, 93.0, a.Context.StopPrice, 1e-9)

	// The price write-back still happened.
	assert.InDelta(t, 92.50, w.prices["NVDA"], 1e-9)
}

// Power move: the 8-week hold activates, persists through the side channel,
// and TP1 stays silent both this cycle and later ones.
func TestCycle_EightWeekHoldSuppressesTP1(t *testing.T) {
	m, _, w := newMonitor(t)

	pos := vigiltest.EnteredPosition("AAPL", 100, 150)
	pos.ID = 7
	pos.State = domain.StateEntry2
	pos.Entry2Shares = domain.Float64Ptr(0)
	pos.StopPrice = nil
	breakout := time.Now().AddDate(0, 0, -15)
	pos.BreakoutDate = &breakout
	pos.EntryDate = &breakout

	quote := vigiltest.QuoteAt("AAPL", 185) // +23.3%
	mas := healthyMAs(185)

	// Cycle A: hold activates, no tp1.
	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"AAPL": quote}, masFor(mas), domain.RegimeBullish, 500)

	hold := findAlert(result.Alerts, domain.SubtypeEightWeekHold)
	require.NotNil(t, hold, "hold activation alert expected: %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP2, hold.Priority)
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeTP1))

	saved, ok := w.holds[7]
	require.True(t, ok, "hold must be persisted through the side channel")
	assert.True(t, saved.Active)
	require.NotNil(t, saved.End)
	assert.WithinDuration(t, breakout.AddDate(0, 0, 56), *saved.End, time.Minute)
	require.NotNil(t, saved.PowerMovePct)
	assert.InDelta(t, 23.3, *saved.PowerMovePct, 0.1)

	// Cycle B: the position row now carries the hold; still no tp1.
	pos.EightWeekHoldActive = true
	pos.EightWeekHoldEnd = saved.End
	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"AAPL": quote}, masFor(mas), domain.RegimeBullish, 500)
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeTP1))
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeEightWeekHold), "hold must not re-activate")
}

// 50-SMA breakdown needs the volume confirmation.
func TestCycle_MA50SellRequiresVolume(t *testing.T) {
	m, _, _ := newMonitor(t)

	pos := vigiltest.EnteredPosition("MSFT", 100, 48)
	pos.ID = 3
	pos.StopPrice = nil
	mas := providers.MovingAverages{EMA21: 50.5, SMA50: 50.0, SMA200: 45, SMA10Week: 48}

	quiet := vigiltest.QuoteAt("MSFT", 49.50)
	quiet.Volume = 12_000_000
	quiet.AvgVolume = 10_000_000 // 1.2x

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"MSFT": quiet}, masFor(mas), domain.RegimeNeutral, 500)
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeMA50Sell),
		"1.2x volume must not confirm the breakdown: %v", subtypes(result.Alerts))

	loud := vigiltest.QuoteAt("MSFT", 49.50)
	loud.Volume = 16_000_000
	loud.AvgVolume = 10_000_000 // 1.6x

	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"MSFT": loud}, masFor(mas), domain.RegimeNeutral, 500)
	sell := findAlert(result.Alerts, domain.SubtypeMA50Sell)
	require.NotNil(t, sell, "1.6x volume confirms: %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP0, sell.Priority)
	// The short-circuit blocks the 10-week check that would also be true.
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeTenWeekSell))
}

// Climax top composite: all four signals present scores 100 and fires P0.
func TestCycle_ClimaxTopFullScore(t *testing.T) {
	m, _, _ := newMonitor(t)

	pos := vigiltest.EnteredPosition("SMCI", 100, 88.56) // 104.5 is ~+18%
	pos.ID = 4
	pos.StopPrice = nil

	quote := providers.Quote{
		Symbol: "SMCI", Last: 104.5,
		Open: 108, High: 110, Low: 104, Close: 105,
		Volume: 27_000_000, AvgVolume: 10_000_000, // 2.7x
		VolumeAvailable: true, Timestamp: time.Now(),
	}
	mas := healthyMAs(104.5)

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"SMCI": quote}, masFor(mas), domain.RegimeBullish, 500)

	climax := findAlert(result.Alerts, domain.SubtypeClimaxTop)
	require.NotNil(t, climax, "climax expected: %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP0, climax.Priority)
	assert.Equal(t, 100, climax.Context.ClimaxScore)
}

// A 10-week breakdown does not mask a climax top on the same bar; only the
// volume-confirmed 50-SMA breakdown short-circuits the chain.
func TestCycle_TenWeekSellStillScoresClimax(t *testing.T) {
	m, _, _ := newMonitor(t)

	pos := vigiltest.EnteredPosition("SMCI", 100, 88.56)
	pos.ID = 9
	pos.StopPrice = nil

	quote := providers.Quote{
		Symbol: "SMCI", Last: 104.5,
		Open: 108, High: 110, Low: 104, Close: 105,
		Volume: 27_000_000, AvgVolume: 10_000_000,
		VolumeAvailable: true, Timestamp: time.Now(),
	}
	// Price above the 50-SMA but under the 10-week line.
	mas := providers.MovingAverages{EMA21: 100, SMA50: 95, SMA200: 90, SMA10Week: 106}

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"SMCI": quote}, masFor(mas), domain.RegimeBullish, 500)

	sell := findAlert(result.Alerts, domain.SubtypeTenWeekSell)
	require.NotNil(t, sell, "got %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP0, sell.Priority)

	climax := findAlert(result.Alerts, domain.SubtypeClimaxTop)
	require.NotNil(t, climax, "got %v", subtypes(result.Alerts))
	assert.Equal(t, 100, climax.Context.ClimaxScore)
}

func TestCycle_PyramidZones(t *testing.T) {
	m, _, _ := newMonitor(t)

	pos := vigiltest.EnteredPosition("AMD", 100, 100)
	pos.ID = 5
	pos.StopPrice = nil

	quote := vigiltest.QuoteAt("AMD", 103) // +3%, state Entry1
	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"AMD": quote}, masFor(healthyMAs(103)), domain.RegimeBullish, 500)
	ready := findAlert(result.Alerts, domain.SubtypeP1Ready)
	require.NotNil(t, ready, "got %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP1, ready.Priority)

	quote = vigiltest.QuoteAt("AMD", 108) // +8%, extended for state 1
	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"AMD": quote}, masFor(healthyMAs(108)), domain.RegimeBullish, 500)
	ext := findAlert(result.Alerts, domain.SubtypeP1Extended)
	require.NotNil(t, ext, "got %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP2, ext.Priority)
}

func TestCycle_HealthCriticalFiresOnCrossOnly(t *testing.T) {
	m, _, w := newMonitor(t)

	pos := vigiltest.EnteredPosition("TSLA", 100, 100)
	pos.ID = 6
	pos.StopPrice = nil
	pos.ADRating = "E"
	pos.BaseStage = 4
	pos.HealthScore = domain.Float64Ptr(80)

	// Price below every MA: 10+20+25, plus E rating and stage 4.
	quote := vigiltest.QuoteAt("TSLA", 80)
	quote.Volume = 10_000_000
	mas := providers.MovingAverages{EMA21: 90, SMA50: 95, SMA200: 100, SMA10Week: 81}
	// Avoid the 10-week P0 short-circuit by keeping price at the line.
	mas.SMA10Week = 79

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"TSLA": quote}, masFor(mas), domain.RegimeBearish, 500)

	crit := findAlert(result.Alerts, domain.SubtypeHealthCrit)
	require.NotNil(t, crit, "got %v", subtypes(result.Alerts))
	assert.Equal(t, domain.PriorityP0, crit.Priority)
	assert.Less(t, w.healths[6], 50.0)

	// Second cycle below 50: no new critical, the cross already fired.
	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"TSLA": quote}, masFor(mas), domain.RegimeBearish, 500)
	assert.Nil(t, findAlert(result.Alerts, domain.SubtypeHealthCrit))
}

func TestCycle_AltEntryAfterExtendedMarker(t *testing.T) {
	m, _, _ := newMonitor(t)

	pos := vigiltest.WatchlistPosition("PLTR", 100)
	pos.ID = 8

	// Run 1: price 8% over pivot sets the marker, no alert.
	hot := vigiltest.QuoteAt("PLTR", 108)
	mas := providers.MovingAverages{EMA21: 101, SMA50: 97, SMA200: 90, SMA10Week: 96}
	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"PLTR": hot}, masFor(mas), domain.RegimeBullish, 500)
	assert.Empty(t, result.Alerts)

	// Run 2: price back at the 21-EMA triggers the alt entry.
	back := vigiltest.QuoteAt("PLTR", 101.2)
	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"PLTR": back}, masFor(mas), domain.RegimeBullish, 500)
	alt := findAlert(result.Alerts, domain.SubtypeMABounce)
	require.NotNil(t, alt, "got %v", subtypes(result.Alerts))
	assert.Equal(t, domain.AlertTypeAltEntry, alt.Type)
	assert.Equal(t, 1, alt.Context.TestCount)

	// Run 3: another test increments the counter.
	result = m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"PLTR": back}, masFor(mas), domain.RegimeBullish, 500)
	alt = findAlert(result.Alerts, domain.SubtypeMABounce)
	require.NotNil(t, alt)
	assert.Equal(t, 2, alt.Context.TestCount)
}

func TestCycle_MissingQuoteSkipsPosition(t *testing.T) {
	m, _, w := newMonitor(t)

	pos := vigiltest.EnteredPosition("NVDA", 100, 100)
	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{}, masFor(healthyMAs(100)), domain.RegimeNeutral, 500)

	assert.Zero(t, result.PositionsChecked)
	assert.Empty(t, result.Alerts)
	assert.Empty(t, w.prices)
}

type panicChecker struct{}

func (p panicChecker) Name() string { return "panics" }
func (p panicChecker) Check(c *CheckContext) []*domain.Alert {
	panic("boom")
}

func TestCycle_CheckerPanicIsContained(t *testing.T) {
	d := &passthroughDispatcher{}
	w := newMemWriter()
	cfg := config.Defaults().Monitoring
	m := NewWithCheckers([]Checker{panicChecker{}, NewStopChecker(cfg)}, d, w, zerolog.Nop())

	pos := vigiltest.EnteredPosition("NVDA", 200, 100)
	pos.StopPrice = domain.Float64Ptr(93)
	quote := vigiltest.QuoteAt("NVDA", 92)

	result := m.RunCycle(context.Background(), []domain.Position{*pos},
		map[string]providers.Quote{"NVDA": quote}, masFor(healthyMAs(92)), domain.RegimeNeutral, 500)

	// The panic is an error entry; the stop checker after it still ran.
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "panic")
	require.NotNil(t, findAlert(result.Alerts, domain.SubtypeHardStop))
	assert.Equal(t, 1, result.PositionsChecked)
}

func TestMonitor_HistoryRingBounded(t *testing.T) {
	m, _, _ := newMonitor(t)
	for i := 0; i < 25; i++ {
		m.pushHistory("NVDA", float64(i))
	}
	history := m.pushHistory("NVDA", 99)
	assert.Len(t, history, historyDepth)
	assert.InDelta(t, 99, history[len(history)-1], 1e-9)

	m.Forget("NVDA")
	m.mu.Lock()
	_, ok := m.histories["NVDA"]
	m.mu.Unlock()
	assert.False(t, ok)
}
