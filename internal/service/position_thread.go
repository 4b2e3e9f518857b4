package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/monitor"
	"github.com/mberan/vigil/internal/providers"
)

// spySymbol is fetched alongside every position batch for relative checks.
const spySymbol = "SPY"

// heldPositionsRepo is the persistence slice the position worker needs.
type heldPositionsRepo interface {
	GetInPosition() ([]domain.Position, error)
}

// cycleRunner is the monitor surface the worker drives.
type cycleRunner interface {
	RunCycle(ctx context.Context, positions []domain.Position, quotes map[string]providers.Quote,
		technicals monitor.TechnicalsFunc, regime domain.RegimeLabel, spyPrice float64) monitor.CycleResult
	Forget(symbol string)
}

// PositionWorker runs the checker chain over held positions every cycle
// during market hours.
type PositionWorker struct {
	*BaseThread

	repo    heldPositionsRepo
	quotes  quoteSource
	tech    technicalsSource
	regimes regimeSource
	mon     cycleRunner
	focus   focusFlag
	log     zerolog.Logger

	// symbols seen last cycle, used to drop checker caches on close
	tracked map[string]bool
}

// FocusSymbol narrows the next cycle to one symbol.
func (w *PositionWorker) FocusSymbol(symbol string) { w.focus.Set(symbol) }

// NewPositionWorker builds the worker gated on market hours.
func NewPositionWorker(interval time.Duration, gate GateFunc, repo heldPositionsRepo,
	quotes quoteSource, tech technicalsSource, regimes regimeSource,
	mon cycleRunner, log zerolog.Logger) *PositionWorker {

	w := &PositionWorker{
		repo:    repo,
		quotes:  quotes,
		tech:    tech,
		regimes: regimes,
		mon:     mon,
		log:     log.With().Str("thread", "position").Logger(),
		tracked: make(map[string]bool),
	}
	w.BaseThread = NewBaseThread("position", interval, gate, w.cycle, log)
	return w
}

func (w *PositionWorker) cycle(ctx context.Context) (int, error) {
	focus := w.focus.Take()
	positions, err := w.repo.GetInPosition()
	if err != nil {
		return 0, fmt.Errorf("failed to load positions: %w", err)
	}
	if focus != "" {
		// A focused pass leaves the tracked set alone so checker caches
		// for the other symbols survive.
		positions = filterSymbol(positions, focus)
	} else {
		w.forgetClosed(positions)
	}
	if len(positions) == 0 {
		return 0, nil
	}
	if !w.quotes.IsConnected() {
		w.log.Debug().Msg("Realtime provider disconnected, skipping cycle")
		return 0, nil
	}

	symbols := make([]string, 0, len(positions)+1)
	for i := range positions {
		symbols = append(symbols, positions[i].Symbol)
	}
	symbols = append(symbols, spySymbol)

	quotes, err := w.quotes.GetQuotes(ctx, symbols)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position quotes: %w", err)
	}
	spyPrice := quotes[spySymbol].Last

	label := domain.RegimeNeutral
	if snap, err := w.regimes.GetLatest(); err == nil && snap != nil {
		label = snap.Regime
	}

	result := w.mon.RunCycle(ctx, positions, quotes, w.tech.GetMovingAverages, label, spyPrice)
	if len(result.Errors) > 0 {
		return result.AlertsGenerated, fmt.Errorf("%d position errors, first: %s",
			len(result.Errors), result.Errors[0])
	}
	return result.AlertsGenerated, nil
}

// filterSymbol keeps only the rows matching the focused symbol.
func filterSymbol(positions []domain.Position, symbol string) []domain.Position {
	out := make([]domain.Position, 0, 1)
	for i := range positions {
		if positions[i].Symbol == symbol {
			out = append(out, positions[i])
		}
	}
	return out
}

// forgetClosed drops monitor caches for symbols that left the population
// since the previous cycle.
func (w *PositionWorker) forgetClosed(positions []domain.Position) {
	current := make(map[string]bool, len(positions))
	for i := range positions {
		current[positions[i].Symbol] = true
	}
	for symbol := range w.tracked {
		if !current[symbol] {
			w.mon.Forget(symbol)
		}
	}
	w.tracked = current
}
