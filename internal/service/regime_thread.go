package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/alerts"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
	"github.com/mberan/vigil/internal/regime"
)

// regimeBarDays is the index history depth the calculator needs.
const regimeBarDays = 250

// marketSymbol keys market-wide alerts in the dedup/cooldown maps.
const marketSymbol = "MARKET"

// barsSource serves cached daily bars.
type barsSource interface {
	GetDailyBars(ctx context.Context, symbol string, days int) ([]providers.Bar, error)
}

// futuresSource serves the overnight futures snapshot.
type futuresSource interface {
	GetOvernightFutures(ctx context.Context) (domain.FuturesSnapshot, error)
}

// regimeStore is the persistence slice the regime worker needs.
type regimeStore interface {
	GetLatest() (*domain.RegimeSnapshot, error)
	GetForDate(date time.Time) (*domain.RegimeSnapshot, error)
	UpsertForDate(snap *domain.RegimeSnapshot, force bool) error
	MarkAlertSent(date time.Time) error
}

// alertCreator pushes a single alert through the pipeline.
type alertCreator interface {
	Create(ctx context.Context, alert *domain.Alert) alerts.Outcome
}

// RegimeWorker recomputes the market regime during the extended session and
// publishes the day's summary to the market channel exactly once.
type RegimeWorker struct {
	*BaseThread

	bars    barsSource
	futures futuresSource // nil when no futures provider is configured
	calc    *regime.Calculator
	store   regimeStore
	alerts  alertCreator
	loc     *time.Location
	log     zerolog.Logger
	nowFn   func() time.Time
}

// NewRegimeWorker builds the worker gated on the extended trading window.
func NewRegimeWorker(interval time.Duration, gate GateFunc, bars barsSource,
	futures futuresSource, calc *regime.Calculator, store regimeStore,
	creator alertCreator, loc *time.Location, log zerolog.Logger) *RegimeWorker {

	if loc == nil {
		loc = time.UTC
	}
	w := &RegimeWorker{
		bars:    bars,
		futures: futures,
		calc:    calc,
		store:   store,
		alerts:  creator,
		loc:     loc,
		log:     log.With().Str("thread", "regime").Logger(),
		nowFn:   time.Now,
	}
	w.BaseThread = NewBaseThread("regime", interval, gate, w.cycle, log)
	return w
}

func (w *RegimeWorker) cycle(ctx context.Context) (int, error) {
	// Capture the prior label before today's upsert replaces it as latest.
	var prev *domain.RegimeSnapshot
	if latest, err := w.store.GetLatest(); err == nil {
		prev = latest
	}

	snap, err := w.Compute(ctx, true)
	if err != nil {
		return 0, err
	}
	return w.publish(ctx, snap, prev)
}

// Compute pulls index bars, runs the calculator, and upserts today's row.
// The scheduler and the worker always pass force; interactive callers pass
// the user's overwrite decision through.
func (w *RegimeWorker) Compute(ctx context.Context, force bool) (*domain.RegimeSnapshot, error) {
	bars := make(map[string][]providers.Bar, 4)
	for _, symbol := range []string{regime.SymbolSPY, regime.SymbolQQQ} {
		series, err := w.bars.GetDailyBars(ctx, symbol, regimeBarDays)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s bars: %w", symbol, err)
		}
		bars[symbol] = series
	}
	for _, symbol := range []string{regime.SymbolDIA, regime.SymbolIWM} {
		series, err := w.bars.GetDailyBars(ctx, symbol, regimeBarDays)
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", symbol).Msg("Secondary index bars unavailable")
			continue
		}
		bars[symbol] = series
	}

	var futures *domain.FuturesSnapshot
	if w.futures != nil {
		if snap, err := w.futures.GetOvernightFutures(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Futures snapshot unavailable")
		} else {
			futures = &snap
		}
	}

	snap, err := w.calc.Compute(regime.Inputs{
		Bars:    bars,
		Futures: futures,
		Date:    w.today(),
	})
	if err != nil {
		return nil, err
	}

	// Preserve the published flag across recomputes for the same day.
	if existing, err := w.store.GetForDate(snap.Date); err == nil && existing != nil {
		snap.AlertSent = existing.AlertSent
	}
	if err := w.store.UpsertForDate(snap, force); err != nil {
		return nil, fmt.Errorf("failed to persist regime snapshot: %w", err)
	}
	return snap, nil
}

// publish sends the day's regime summary to the market channel once. A
// label flip versus the prior day upgrades the publish to P1.
func (w *RegimeWorker) publish(ctx context.Context, snap, prev *domain.RegimeSnapshot) (int, error) {
	if snap.AlertSent {
		return 0, nil
	}

	priority := domain.PriorityP2
	if prev != nil && !prev.Date.Equal(snap.Date) && prev.Regime != snap.Regime {
		priority = domain.PriorityP1
	}

	alert := &domain.Alert{
		Symbol:       marketSymbol,
		Type:         domain.AlertTypeMarket,
		Subtype:      domain.SubtypeRegimeChange,
		Priority:     priority,
		ThreadSource: "regime",
		Message: fmt.Sprintf("Market regime: %s (score %+.2f), %d D-days (SPY %d / QQQ %d), phase %s, exposure %s",
			snap.Regime, snap.Score, snap.TotalDDays(), snap.SPYDDays, snap.QQQDDays,
			snap.Phase, snap.Exposure()),
		Context: domain.AlertContext{
			MarketRegime: string(snap.Regime),
		},
	}
	outcome := w.alerts.Create(ctx, alert)
	if outcome != alerts.OutcomeDispatched {
		w.log.Warn().Str("outcome", string(outcome)).Msg("Regime publish not dispatched")
		return 0, nil
	}
	if err := w.store.MarkAlertSent(snap.Date); err != nil {
		return 1, fmt.Errorf("failed to mark regime alert sent: %w", err)
	}
	return 1, nil
}

// today returns the current calendar date in the exchange timezone.
func (w *RegimeWorker) today() time.Time {
	now := w.nowFn().In(w.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
