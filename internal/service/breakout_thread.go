package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/breakout"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// watchlistRepo is the position persistence slice the breakout worker needs.
type watchlistRepo interface {
	GetWatchlist() ([]domain.Position, error)
	Update(pos *domain.Position) error
}

// technicalsSource resolves cached moving averages.
type technicalsSource interface {
	GetMovingAverages(ctx context.Context, symbol string) (providers.MovingAverages, error)
}

// regimeSource serves the latest persisted regime snapshot.
type regimeSource interface {
	GetLatest() (*domain.RegimeSnapshot, error)
}

// alertDispatcher feeds candidate alerts through the pipeline.
type alertDispatcher interface {
	CreateBatch(ctx context.Context, candidates []*domain.Alert) []*domain.Alert
}

// quoteSource is the realtime slice the workers consume.
type quoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]providers.Quote, error)
	IsConnected() bool
}

// BreakoutWorker scores the state-0 watchlist every cycle during market
// hours, dispatches buy-zone alerts with sizing, and maintains the
// prior-extended markers the alt-entry checker consumes.
type BreakoutWorker struct {
	*BaseThread

	repo    watchlistRepo
	quotes  quoteSource
	tech    technicalsSource
	regimes regimeSource
	alerts  alertDispatcher
	scorer  *breakout.Scorer
	sizer   *breakout.Sizer
	focus   focusFlag
	log     zerolog.Logger
	nowFn   func() time.Time
}

// FocusSymbol narrows the next cycle to one symbol.
func (w *BreakoutWorker) FocusSymbol(symbol string) { w.focus.Set(symbol) }

// NewBreakoutWorker builds the worker gated on market hours.
func NewBreakoutWorker(interval time.Duration, gate GateFunc, repo watchlistRepo,
	quotes quoteSource, tech technicalsSource, regimes regimeSource,
	alerts alertDispatcher, scorer *breakout.Scorer, sizer *breakout.Sizer,
	log zerolog.Logger) *BreakoutWorker {

	w := &BreakoutWorker{
		repo:    repo,
		quotes:  quotes,
		tech:    tech,
		regimes: regimes,
		alerts:  alerts,
		scorer:  scorer,
		sizer:   sizer,
		log:     log.With().Str("thread", "breakout").Logger(),
		nowFn:   time.Now,
	}
	w.BaseThread = NewBaseThread("breakout", interval, gate, w.cycle, log)
	return w
}

func (w *BreakoutWorker) cycle(ctx context.Context) (int, error) {
	watchlist, err := w.repo.GetWatchlist()
	if err != nil {
		return 0, fmt.Errorf("failed to load watchlist: %w", err)
	}
	if focus := w.focus.Take(); focus != "" {
		watchlist = filterSymbol(watchlist, focus)
	}
	if len(watchlist) == 0 {
		return 0, nil
	}
	if !w.quotes.IsConnected() {
		w.log.Debug().Msg("Realtime provider disconnected, skipping cycle")
		return 0, nil
	}

	symbols := make([]string, 0, len(watchlist))
	for i := range watchlist {
		symbols = append(symbols, watchlist[i].Symbol)
	}
	quotes, err := w.quotes.GetQuotes(ctx, symbols)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch watchlist quotes: %w", err)
	}

	label, band := w.currentRegime()
	now := w.nowFn()

	var candidates []*domain.Alert
	for i := range watchlist {
		pos := &watchlist[i]
		quote, ok := quotes[pos.Symbol]
		if !ok {
			continue
		}

		mas, err := w.tech.GetMovingAverages(ctx, pos.Symbol)
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Technicals unavailable, scoring without MAs")
		}

		eval := w.scorer.Evaluate(pos, quote, mas)
		if eval.Extended {
			w.refreshExtendedMarker(pos, now)
		}
		if eval.Actionable() {
			stopPct := breakout.DefaultStopPct
			if pos.HardStopPct != nil && *pos.HardStopPct > 0 {
				stopPct = *pos.HardStopPct
			}
			sug := w.sizer.Initial(quote.Last, stopPct, band)
			candidates = append(candidates, breakout.BuildAlert(pos, eval, sug, label))
		}
	}

	dispatched := w.alerts.CreateBatch(ctx, candidates)
	return len(dispatched), nil
}

// refreshExtendedMarker stamps prior_extended_at so the alt-entry checker
// can later offer a second chance. Refreshing an existing marker resets the
// 30-day expiry window.
func (w *BreakoutWorker) refreshExtendedMarker(pos *domain.Position, now time.Time) {
	if pos.PriorExtendedAt != nil && now.Sub(*pos.PriorExtendedAt) < 24*time.Hour {
		return
	}
	pos.PriorExtendedAt = domain.TimePtr(now)
	if err := w.repo.Update(pos); err != nil {
		w.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Failed to persist extended marker")
	}
}

// currentRegime resolves the latest snapshot, defaulting to neutral with
// full exposure when none has been computed yet.
func (w *BreakoutWorker) currentRegime() (domain.RegimeLabel, domain.ExposureBand) {
	snap, err := w.regimes.GetLatest()
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to load regime snapshot")
	}
	if snap == nil {
		return domain.RegimeNeutral, domain.ExposureBandFor(0)
	}
	return snap.Regime, snap.Exposure()
}
