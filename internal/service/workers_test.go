package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mberan/vigil/internal/alerts"
	"github.com/mberan/vigil/internal/breakout"
	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/monitor"
	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/internal/regime"
	vtest "github.com/mberan/vigil/internal/testing"
)

type stubWatchlist struct {
	positions []domain.Position
	updated   []string
	err       error
}

func (s *stubWatchlist) GetWatchlist() ([]domain.Position, error) { return s.positions, s.err }
func (s *stubWatchlist) Update(p *domain.Position) error {
	s.updated = append(s.updated, p.Symbol)
	return nil
}

type stubQuotes struct {
	quotes      map[string]providers.Quote
	connected   bool
	err         error
	calls       int
	lastSymbols []string
}

func (s *stubQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]providers.Quote, error) {
	s.calls++
	s.lastSymbols = symbols
	return s.quotes, s.err
}
func (s *stubQuotes) IsConnected() bool { return s.connected }

type stubTech struct {
	mas providers.MovingAverages
	err error
}

func (s *stubTech) GetMovingAverages(ctx context.Context, symbol string) (providers.MovingAverages, error) {
	return s.mas, s.err
}

type stubRegimeSource struct{ snap *domain.RegimeSnapshot }

func (s *stubRegimeSource) GetLatest() (*domain.RegimeSnapshot, error) { return s.snap, nil }

type recordingDispatcher struct{ batches [][]*domain.Alert }

func (d *recordingDispatcher) CreateBatch(ctx context.Context, candidates []*domain.Alert) []*domain.Alert {
	d.batches = append(d.batches, candidates)
	return candidates
}

func TestBreakoutWorker_DispatchesBuyZoneAlert(t *testing.T) {
	pos := vtest.WatchlistPosition("NVDA", 100)
	pos.ADRating = "A"
	quote := vtest.QuoteAt("NVDA", 102)
	quote.Volume = 66_000_000

	repo := &stubWatchlist{positions: []domain.Position{*pos}}
	quotes := &stubQuotes{quotes: map[string]providers.Quote{"NVDA": quote}, connected: true}
	tech := &stubTech{mas: providers.MovingAverages{EMA21: 98, SMA50: 95}}
	regimes := &stubRegimeSource{snap: &domain.RegimeSnapshot{Regime: domain.RegimeBullish}}
	dispatcher := &recordingDispatcher{}

	w := NewBreakoutWorker(time.Minute, nil, repo, quotes, tech, regimes, dispatcher,
		breakout.NewScorer(zerolog.Nop()), breakout.NewSizer(config.Defaults().Sizing), zerolog.Nop())

	n, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, dispatcher.batches, 1)
	require.Len(t, dispatcher.batches[0], 1)

	alert := dispatcher.batches[0][0]
	assert.Equal(t, domain.SubtypeInBuyZone, alert.Subtype)
	assert.Equal(t, "bullish", alert.Context.MarketRegime)
	assert.Greater(t, alert.Context.SharesSuggested, float64(0))
}

func TestBreakoutWorker_ExtendedSymbolGetsMarker(t *testing.T) {
	pos := vtest.WatchlistPosition("NVDA", 100)
	repo := &stubWatchlist{positions: []domain.Position{*pos}}
	quotes := &stubQuotes{quotes: map[string]providers.Quote{"NVDA": vtest.QuoteAt("NVDA", 108)}, connected: true}

	w := NewBreakoutWorker(time.Minute, nil, repo, quotes, &stubTech{}, &stubRegimeSource{},
		&recordingDispatcher{}, breakout.NewScorer(zerolog.Nop()),
		breakout.NewSizer(config.Defaults().Sizing), zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, repo.updated)

	// A fresh marker is not rewritten on the next cycle.
	_, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, repo.updated, 1)
}

func TestBreakoutWorker_SkipsWhenDisconnected(t *testing.T) {
	repo := &stubWatchlist{positions: []domain.Position{*vtest.WatchlistPosition("NVDA", 100)}}
	quotes := &stubQuotes{connected: false}

	w := NewBreakoutWorker(time.Minute, nil, repo, quotes, &stubTech{}, &stubRegimeSource{},
		&recordingDispatcher{}, breakout.NewScorer(zerolog.Nop()),
		breakout.NewSizer(config.Defaults().Sizing), zerolog.Nop())

	n, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, quotes.calls)
}

type stubHeld struct {
	positions []domain.Position
	err       error
}

func (s *stubHeld) GetInPosition() ([]domain.Position, error) { return s.positions, s.err }

type stubMonitor struct {
	result      monitor.CycleResult
	lastLabel   domain.RegimeLabel
	lastSPY     float64
	lastSymbols []string
	forgotten   []string
	runs        int
}

func (s *stubMonitor) RunCycle(ctx context.Context, positions []domain.Position,
	quotes map[string]providers.Quote, technicals monitor.TechnicalsFunc,
	label domain.RegimeLabel, spyPrice float64) monitor.CycleResult {
	s.runs++
	s.lastLabel = label
	s.lastSPY = spyPrice
	s.lastSymbols = s.lastSymbols[:0]
	for i := range positions {
		s.lastSymbols = append(s.lastSymbols, positions[i].Symbol)
	}
	return s.result
}
func (s *stubMonitor) Forget(symbol string) { s.forgotten = append(s.forgotten, symbol) }

func TestPositionWorker_RunsMonitorWithRegimeAndSPY(t *testing.T) {
	pos := vtest.EnteredPosition("AAPL", 100, 150)
	repo := &stubHeld{positions: []domain.Position{*pos}}
	quotes := &stubQuotes{connected: true, quotes: map[string]providers.Quote{
		"AAPL": vtest.QuoteAt("AAPL", 160),
		"SPY":  vtest.QuoteAt("SPY", 500),
	}}
	mon := &stubMonitor{result: monitor.CycleResult{PositionsChecked: 1, AlertsGenerated: 2}}
	regimes := &stubRegimeSource{snap: &domain.RegimeSnapshot{Regime: domain.RegimeBearish}}

	w := NewPositionWorker(time.Minute, nil, repo, quotes, &stubTech{}, regimes, mon, zerolog.Nop())

	n, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.RegimeBearish, mon.lastLabel)
	assert.Equal(t, float64(500), mon.lastSPY)
}

func TestPositionWorker_ForgetsClosedSymbols(t *testing.T) {
	repo := &stubHeld{positions: []domain.Position{*vtest.EnteredPosition("AAPL", 100, 150)}}
	quotes := &stubQuotes{connected: true, quotes: map[string]providers.Quote{
		"AAPL": vtest.QuoteAt("AAPL", 160),
		"SPY":  vtest.QuoteAt("SPY", 500),
	}}
	mon := &stubMonitor{}
	w := NewPositionWorker(time.Minute, nil, repo, quotes, &stubTech{}, &stubRegimeSource{}, mon, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mon.forgotten)

	repo.positions = nil
	_, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, mon.forgotten)
}

func TestPositionWorker_FocusedCycleChecksOneSymbol(t *testing.T) {
	repo := &stubHeld{positions: []domain.Position{
		*vtest.EnteredPosition("AAPL", 100, 150),
		*vtest.EnteredPosition("MSFT", 100, 300),
	}}
	quotes := &stubQuotes{connected: true, quotes: map[string]providers.Quote{
		"AAPL": vtest.QuoteAt("AAPL", 160),
		"MSFT": vtest.QuoteAt("MSFT", 310),
		"SPY":  vtest.QuoteAt("SPY", 500),
	}}
	mon := &stubMonitor{}
	w := NewPositionWorker(time.Minute, nil, repo, quotes, &stubTech{}, &stubRegimeSource{}, mon, zerolog.Nop())

	w.FocusSymbol("MSFT")
	_, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, mon.lastSymbols)
	// The focused pass does not evict the other symbol's checker caches.
	assert.Empty(t, mon.forgotten)

	// The focus is one-shot: the next cycle covers the full population.
	_, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, mon.lastSymbols)
}

func TestBreakoutWorker_FocusedCycleNarrowsWatchlist(t *testing.T) {
	repo := &stubWatchlist{positions: []domain.Position{
		*vtest.WatchlistPosition("NVDA", 100),
		*vtest.WatchlistPosition("AMD", 120),
	}}
	quotes := &stubQuotes{connected: true, quotes: map[string]providers.Quote{
		"NVDA": vtest.QuoteAt("NVDA", 101),
		"AMD":  vtest.QuoteAt("AMD", 121),
	}}
	w := NewBreakoutWorker(time.Minute, nil, repo, quotes, &stubTech{}, &stubRegimeSource{},
		&recordingDispatcher{}, breakout.NewScorer(zerolog.Nop()),
		breakout.NewSizer(config.Defaults().Sizing), zerolog.Nop())

	w.FocusSymbol("AMD")
	_, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, quotes.lastSymbols)

	_, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"NVDA", "AMD"}, quotes.lastSymbols)
}

func TestPositionWorker_CycleErrorsSurfaceInStats(t *testing.T) {
	repo := &stubHeld{err: errors.New("database locked")}
	w := NewPositionWorker(time.Minute, nil, repo, &stubQuotes{}, &stubTech{}, &stubRegimeSource{},
		&stubMonitor{}, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load positions")
}

type stubBars struct {
	series map[string][]providers.Bar
	err    error
}

func (s *stubBars) GetDailyBars(ctx context.Context, symbol string, days int) ([]providers.Bar, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.series[symbol], nil
}

type memRegimeStore struct {
	rows map[string]*domain.RegimeSnapshot
}

func newMemRegimeStore() *memRegimeStore {
	return &memRegimeStore{rows: make(map[string]*domain.RegimeSnapshot)}
}

func (m *memRegimeStore) key(d time.Time) string { return d.Format("2006-01-02") }

func (m *memRegimeStore) GetLatest() (*domain.RegimeSnapshot, error) {
	var latest *domain.RegimeSnapshot
	for _, snap := range m.rows {
		if latest == nil || snap.Date.After(latest.Date) {
			latest = snap
		}
	}
	return latest, nil
}

func (m *memRegimeStore) GetForDate(date time.Time) (*domain.RegimeSnapshot, error) {
	return m.rows[m.key(date)], nil
}

func (m *memRegimeStore) UpsertForDate(snap *domain.RegimeSnapshot, force bool) error {
	if _, exists := m.rows[m.key(snap.Date)]; exists && !force {
		return errors.New("snapshot exists")
	}
	clone := *snap
	m.rows[m.key(snap.Date)] = &clone
	return nil
}

func (m *memRegimeStore) MarkAlertSent(date time.Time) error {
	if snap, ok := m.rows[m.key(date)]; ok {
		snap.AlertSent = true
	}
	return nil
}

type recordingCreator struct {
	created []*domain.Alert
	outcome alerts.Outcome
}

func (r *recordingCreator) Create(ctx context.Context, alert *domain.Alert) alerts.Outcome {
	r.created = append(r.created, alert)
	if r.outcome == "" {
		return alerts.OutcomeDispatched
	}
	return r.outcome
}

func risingIndexBars(n int) []providers.Bar {
	bars := make([]providers.Bar, 0, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := 80 + 40*float64(i)/float64(n-1)
		bars = append(bars, providers.Bar{
			Date: base.AddDate(0, 0, i), Open: close, High: close * 1.002,
			Low: close * 0.998, Close: close, Volume: 1_000_000,
		})
	}
	return bars
}

func TestRegimeWorker_ComputesAndPublishesOnce(t *testing.T) {
	bars := &stubBars{series: map[string][]providers.Bar{
		"SPY": risingIndexBars(250),
		"QQQ": risingIndexBars(250),
	}}
	store := newMemRegimeStore()
	creator := &recordingCreator{}
	calc := regime.New(config.Defaults().Regime, zerolog.Nop())

	w := NewRegimeWorker(time.Minute, nil, bars, nil, calc, store, creator, time.UTC, zerolog.Nop())

	n, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, creator.created, 1)
	assert.Equal(t, domain.AlertTypeMarket, creator.created[0].Type)
	assert.Equal(t, domain.SubtypeRegimeChange, creator.created[0].Subtype)

	snap, err := store.GetLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.AlertSent)

	// Same day again: recompute overwrites, but no second publish.
	n, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, creator.created, 1)
}

func TestRegimeWorker_BarFetchFailureAborts(t *testing.T) {
	bars := &stubBars{err: errors.New("provider down")}
	calc := regime.New(config.Defaults().Regime, zerolog.Nop())
	w := NewRegimeWorker(time.Minute, nil, bars, nil, calc, newMemRegimeStore(),
		&recordingCreator{}, time.UTC, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPY")
}

type stubCache struct {
	pruned int64
	warmed [][]string
	err    error
}

func (s *stubCache) PruneExpired() (int64, error) { return s.pruned, s.err }
func (s *stubCache) Warm(ctx context.Context, symbols []string) {
	s.warmed = append(s.warmed, symbols)
}

type stubTrimmer struct {
	cutoffs []time.Time
	err     error
}

func (s *stubTrimmer) TrimOlderThan(cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return 3, s.err
}

type stubCheckpoint struct{ calls int }

func (s *stubCheckpoint) WALCheckpoint(mode string) error { s.calls++; return nil }

type stubBackup struct {
	runs int
	err  error
}

func (s *stubBackup) Run(ctx context.Context) error { s.runs++; return s.err }

type stubAll struct {
	positions []domain.Position
	exited    []domain.Position
	updated   []domain.Position
}

func (s *stubAll) GetAll(includeClosed bool) ([]domain.Position, error) { return s.positions, nil }

func (s *stubAll) GetExitedWatching() ([]domain.Position, error) { return s.exited, nil }

func (s *stubAll) Update(pos *domain.Position) error {
	s.updated = append(s.updated, *pos)
	return nil
}

func TestMaintenanceWorker_RunsOncePerDay(t *testing.T) {
	cache := &stubCache{pruned: 4}
	trimmer := &stubTrimmer{}
	ckpt := &stubCheckpoint{}
	backup := &stubBackup{}
	positions := &stubAll{positions: []domain.Position{*vtest.EnteredPosition("AAPL", 100, 150)}}

	w := NewMaintenanceWorker(time.Minute, nil, cache, trimmer, positions,
		[]Checkpointer{ckpt}, backup, time.UTC, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backup.runs)
	assert.Equal(t, 1, ckpt.calls)
	require.Len(t, cache.warmed, 1)
	assert.Equal(t, []string{"AAPL"}, cache.warmed[0])

	// Second tick the same day is a no-op.
	_, err = w.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backup.runs)
	assert.Len(t, trimmer.cutoffs, 1)
}

func TestMaintenanceWorker_ArchivesStaleExitedWatchers(t *testing.T) {
	oldExit := time.Now().Add(-70 * 24 * time.Hour)
	stale := domain.Position{
		Symbol:     "ROKU",
		State:      domain.StateWatchingExited,
		ClosePrice: domain.Float64Ptr(61.20),
		CloseDate:  &oldExit,
		// Touched yesterday; the archive clock keys on the exit date.
		UpdatedAt: time.Now().Add(-24 * time.Hour),
	}
	recentExit := time.Now().Add(-10 * 24 * time.Hour)
	fresh := domain.Position{
		Symbol:     "NET",
		State:      domain.StateWatchingExited,
		ClosePrice: domain.Float64Ptr(80),
		CloseDate:  &recentExit,
	}
	positions := &stubAll{exited: []domain.Position{stale, fresh}}

	w := NewMaintenanceWorker(time.Minute, nil, &stubCache{}, &stubTrimmer{}, positions,
		nil, nil, time.UTC, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, positions.updated, 1)
	got := positions.updated[0]
	assert.Equal(t, "ROKU", got.Symbol)
	assert.Equal(t, domain.StateStopped, got.State)
	assert.Equal(t, "auto_archive", got.CloseReason)

	// The transition stamped its timestamp and kept the original exit.
	require.NotNil(t, got.LastTransition)
	assert.WithinDuration(t, time.Now(), *got.LastTransition, time.Minute)
	require.NotNil(t, got.CloseDate)
	assert.WithinDuration(t, oldExit, *got.CloseDate, time.Second)
	require.NotNil(t, got.ClosePrice)
	assert.InDelta(t, 61.20, *got.ClosePrice, 1e-9)
}

func TestMaintenanceWorker_FailureRetriesNextTick(t *testing.T) {
	backup := &stubBackup{err: errors.New("bucket unreachable")}
	w := NewMaintenanceWorker(time.Minute, nil, &stubCache{}, &stubTrimmer{}, &stubAll{},
		nil, backup, time.UTC, zerolog.Nop())

	_, err := w.cycle(context.Background())
	require.Error(t, err)

	_, err = w.cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, backup.runs)
}
