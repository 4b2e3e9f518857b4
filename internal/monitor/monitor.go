package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/config"
	"github.com/mberan/vigil/internal/domain"
	"github.com/mberan/vigil/internal/providers"
)

// Dispatcher is the alert pipeline surface the monitor feeds.
type Dispatcher interface {
	CreateBatch(ctx context.Context, candidates []*domain.Alert) []*domain.Alert
}

// PositionWriter persists the cycle's side effects, each in its own
// short-lived transaction; the positions the checkers see are detached.
type PositionWriter interface {
	UpdatePrice(pos *domain.Position, price float64, ts time.Time) error
	UpdateEightWeekHold(positionID int64, hold domain.EightWeekHold) error
	UpdateHealth(positionID int64, score float64, rating string) error
}

// TechnicalsFunc resolves the moving-average snapshot for a symbol.
type TechnicalsFunc func(ctx context.Context, symbol string) (providers.MovingAverages, error)

// CycleResult is one cycle's outcome summary.
type CycleResult struct {
	PositionsChecked int             `json:"positions_checked"`
	AlertsGenerated  int             `json:"alerts_generated"`
	Alerts           []*domain.Alert `json:"alerts,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	CycleTimeMs      int64           `json:"cycle_time_ms"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Monitor runs the checker chain over a population of positions each cycle.
// One instance per worker; the per-symbol caches inside the checkers are
// owned by that worker.
type Monitor struct {
	checkers   []Checker
	dispatcher Dispatcher
	writer     PositionWriter
	log        zerolog.Logger

	mu        sync.Mutex
	histories map[string]*priceRing

	now func() time.Time
}

// New builds the monitor with the full checker chain in its fixed order.
func New(cfg config.MonitoringConfig, dispatcher Dispatcher, writer PositionWriter, log zerolog.Logger) *Monitor {
	return &Monitor{
		checkers: []Checker{
			NewStopChecker(cfg),
			NewProfitChecker(cfg),
			NewPyramidChecker(cfg),
			NewMAChecker(cfg),
			NewHealthChecker(cfg),
			NewReentryChecker(cfg),
			NewAltEntryChecker(cfg),
		},
		dispatcher: dispatcher,
		writer:     writer,
		log:        log.With().Str("component", "monitor").Logger(),
		histories:  make(map[string]*priceRing),
		now:        time.Now,
	}
}

// NewWithCheckers builds a monitor with an explicit chain, used by the
// watchlist worker which only needs a subset.
func NewWithCheckers(checkers []Checker, dispatcher Dispatcher, writer PositionWriter, log zerolog.Logger) *Monitor {
	return &Monitor{
		checkers:   checkers,
		dispatcher: dispatcher,
		writer:     writer,
		log:        log.With().Str("component", "monitor").Logger(),
		histories:  make(map[string]*priceRing),
		now:        time.Now,
	}
}

// RunCycle evaluates every position against its quote. Failures are
// contained per position and per checker; one bad symbol never aborts the
// cycle.
func (m *Monitor) RunCycle(ctx context.Context, positions []domain.Position,
	quotes map[string]providers.Quote, technicals TechnicalsFunc,
	regime domain.RegimeLabel, spyPrice float64) CycleResult {

	started := m.now()
	result := CycleResult{Timestamp: started.UTC()}
	var candidates []*domain.Alert

	for i := range positions {
		pos := &positions[i]
		quote, ok := quotes[pos.Symbol]
		if !ok {
			// Provider omitted the symbol; skip this cycle, data will return.
			continue
		}

		mas, err := technicals(ctx, pos.Symbol)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: technicals: %v", pos.Symbol, err))
			m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Technicals fetch failed, checking without MAs")
		}

		history := m.pushHistory(pos.Symbol, quote.Last)
		checkCtx := NewCheckContext(pos, quote, mas, regime, spyPrice, history, m.now())

		for _, checker := range m.checkers {
			alerts, err := m.runChecker(checker, checkCtx)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s: %s: %v", pos.Symbol, checker.Name(), err))
				continue
			}
			candidates = append(candidates, alerts...)
		}

		m.persist(pos, checkCtx, &result)
		result.PositionsChecked++
	}

	if len(candidates) > 0 {
		result.Alerts = m.dispatcher.CreateBatch(ctx, candidates)
	}
	result.AlertsGenerated = len(result.Alerts)
	result.CycleTimeMs = m.now().Sub(started).Milliseconds()
	return result
}

// runChecker isolates one checker invocation; a panic becomes an error.
func (m *Monitor) runChecker(checker Checker, c *CheckContext) (alerts []*domain.Alert, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in checker: %v", p)
			m.log.Error().Str("checker", checker.Name()).Str("symbol", c.Position.Symbol).
				Interface("panic", p).Msg("Checker panicked")
		}
	}()
	return checker.Check(c), nil
}

// persist writes the cycle's side effects for one position.
func (m *Monitor) persist(pos *domain.Position, c *CheckContext, result *CycleResult) {
	if m.writer == nil {
		return
	}
	if err := m.writer.UpdatePrice(pos, c.Price, c.Now); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: price write: %v", pos.Symbol, err))
	}
	if hold := c.HoldUpdate(); hold != nil {
		if err := m.writer.UpdateEightWeekHold(pos.ID, *hold); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: hold write: %v", pos.Symbol, err))
		} else {
			// Keep the detached record consistent for later checkers/cycles.
			pos.EightWeekHoldActive = hold.Active
			pos.EightWeekHoldStart = hold.Start
			pos.EightWeekHoldEnd = hold.End
		}
	}
	if score := c.HealthUpdate(); score != nil {
		if err := m.writer.UpdateHealth(pos.ID, *score, domain.HealthRatingFor(*score)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: health write: %v", pos.Symbol, err))
		}
	}
}

func (m *Monitor) pushHistory(symbol string, price float64) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.histories[symbol]
	if ring == nil {
		ring = &priceRing{}
		m.histories[symbol] = ring
	}
	ring.push(price)
	return ring.snapshot()
}

// Forget drops all per-symbol caches, called when a position closes or
// leaves the watchlist.
func (m *Monitor) Forget(symbol string) {
	m.mu.Lock()
	delete(m.histories, symbol)
	m.mu.Unlock()

	type forgetter interface{ Forget(string) }
	for _, checker := range m.checkers {
		if f, ok := checker.(forgetter); ok {
			f.Forget(symbol)
		}
	}
}
