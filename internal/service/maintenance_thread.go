package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// alertRetention is how long alert history is kept before trimming.
const alertRetention = 90 * 24 * time.Hour

// archiveAfter is how long an exited-but-watching position lingers before
// it is stopped out of the watch rotation.
const archiveAfter = 60 * 24 * time.Hour

// cacheMaintainer is the techdata slice the maintenance worker needs.
type cacheMaintainer interface {
	PruneExpired() (int64, error)
	Warm(ctx context.Context, symbols []string)
}

// alertTrimmer removes aged alert history.
type alertTrimmer interface {
	TrimOlderThan(cutoff time.Time) (int64, error)
}

// Checkpointer flushes the SQLite WAL.
type Checkpointer interface {
	WALCheckpoint(mode string) error
}

// backupRunner archives the databases off-box. Nil when backups are
// disabled.
type backupRunner interface {
	Run(ctx context.Context) error
}

// activePositionsRepo lists open rows for cache warming and archives
// stale exited-watchers.
type activePositionsRepo interface {
	GetAll(includeClosed bool) ([]domain.Position, error)
	GetExitedWatching() ([]domain.Position, error)
	Update(pos *domain.Position) error
}

// MaintenanceWorker runs the nightly housekeeping pass: prune and re-warm
// the bar cache, trim alert history, checkpoint the WAL, ship the backup.
// The gate fires every tick after the close, but the work runs once per
// calendar day.
type MaintenanceWorker struct {
	*BaseThread

	cache     cacheMaintainer
	trimmer   alertTrimmer
	positions activePositionsRepo
	dbs       []Checkpointer
	backup    backupRunner
	loc       *time.Location
	log       zerolog.Logger
	nowFn     func() time.Time

	lastRunDay string
}

// NewMaintenanceWorker builds the worker gated on the after-close window.
func NewMaintenanceWorker(interval time.Duration, gate GateFunc, cache cacheMaintainer,
	trimmer alertTrimmer, positions activePositionsRepo, dbs []Checkpointer,
	backup backupRunner, loc *time.Location, log zerolog.Logger) *MaintenanceWorker {

	if loc == nil {
		loc = time.UTC
	}
	w := &MaintenanceWorker{
		cache:     cache,
		trimmer:   trimmer,
		positions: positions,
		dbs:       dbs,
		backup:    backup,
		loc:       loc,
		log:       log.With().Str("thread", "maintenance").Logger(),
		nowFn:     time.Now,
	}
	w.BaseThread = NewBaseThread("maintenance", interval, gate, w.cycle, log)
	return w
}

func (w *MaintenanceWorker) cycle(ctx context.Context) (int, error) {
	day := w.nowFn().In(w.loc).Format("2006-01-02")
	if day == w.lastRunDay {
		return 0, nil
	}

	var errs []error

	pruned, err := w.cache.PruneExpired()
	if err != nil {
		errs = append(errs, fmt.Errorf("cache prune: %w", err))
	}

	symbols := w.activeSymbols()
	if len(symbols) > 0 {
		w.cache.Warm(ctx, symbols)
	}

	trimmed, err := w.trimmer.TrimOlderThan(w.nowFn().Add(-alertRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("alert trim: %w", err))
	}

	archived, err := w.archiveStaleExited()
	if err != nil {
		errs = append(errs, fmt.Errorf("auto archive: %w", err))
	}

	for _, db := range w.dbs {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			errs = append(errs, fmt.Errorf("wal checkpoint: %w", err))
		}
	}

	if w.backup != nil {
		if err := w.backup.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		}
	}

	if len(errs) == 0 {
		// Only a clean pass counts as done for the day; failures retry on
		// the next tick while the gate stays open.
		w.lastRunDay = day
	}

	w.log.Info().
		Int64("cache_pruned", pruned).
		Int64("alerts_trimmed", trimmed).
		Int("warmed_symbols", len(symbols)).
		Int("archived", archived).
		Int("errors", len(errs)).
		Msg("Maintenance pass complete")
	return 0, errors.Join(errs...)
}

// archiveStaleExited stops out exited-but-watching positions whose exit is
// more than 60 days old, ending their re-entry watch. The clock keys on the
// exit date, not row touches, and the change goes through the state machine
// so the transition timestamp is stamped.
func (w *MaintenanceWorker) archiveStaleExited() (int, error) {
	watchers, err := w.positions.GetExitedWatching()
	if err != nil {
		return 0, err
	}

	cutoff := w.nowFn().Add(-archiveAfter)
	archived := 0
	for i := range watchers {
		pos := &watchers[i]
		exited := pos.CloseDate
		if exited == nil {
			exited = pos.LastTransition
		}
		if exited == nil || exited.After(cutoff) {
			continue
		}
		changes := domain.TransitionChanges{
			ExitPrice:  pos.ClosePrice,
			ExitReason: "auto_archive",
			ExitDate:   pos.CloseDate, // keep the original exit date
		}
		if changes.ExitPrice == nil {
			changes.ExitPrice = domain.Float64Ptr(0)
		}
		if err := pos.Transition(domain.StateStopped, w.nowFn(), changes); err != nil {
			return archived, fmt.Errorf("failed to archive %s: %w", pos.Symbol, err)
		}
		if err := w.positions.Update(pos); err != nil {
			return archived, fmt.Errorf("failed to archive %s: %w", pos.Symbol, err)
		}
		w.log.Info().Str("symbol", pos.Symbol).Msg("Archived stale exited-watcher")
		archived++
	}
	return archived, nil
}

func (w *MaintenanceWorker) activeSymbols() []string {
	positions, err := w.positions.GetAll(false)
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to list positions for cache warm")
		return nil
	}
	symbols := make([]string, 0, len(positions))
	for i := range positions {
		symbols = append(symbols, positions[i].Symbol)
	}
	return symbols
}
