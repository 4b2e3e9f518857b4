// Package service runs the engine: four periodic workers over a shared
// base loop, and a controller owning lifecycle, cron, and the IPC command
// surface.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stats is one worker's rolling state snapshot, exposed over IPC and the
// admin API.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"` // stopped | running | stopping
	CycleCount    int64     `json:"cycle_count"`
	MessageCount  int64     `json:"message_count"`
	ErrorCount    int64     `json:"error_count"`
	LastCheck     time.Time `json:"last_check,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	AvgCycleMs    float64   `json:"avg_cycle_ms"`
	IsMarketHours bool      `json:"is_market_hours"`
}

// GateFunc decides whether the worker should run a cycle right now.
type GateFunc func(now time.Time) bool

// focusFlag is a one-shot symbol filter, set by a scoped FORCE_CHECK and
// consumed by the next cycle.
type focusFlag struct {
	mu     sync.Mutex
	symbol string
}

func (f *focusFlag) Set(symbol string) {
	f.mu.Lock()
	f.symbol = symbol
	f.mu.Unlock()
}

func (f *focusFlag) Take() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.symbol
	f.symbol = ""
	return s
}

// CycleFunc is one worker iteration. It returns the number of alerts or
// messages produced; errors are recorded in stats and never stop the loop.
type CycleFunc func(ctx context.Context) (messages int, err error)

// BaseThread is the shared worker loop: tick at a fixed interval, check the
// gate, run the cycle, keep rolling stats under a mutex.
type BaseThread struct {
	name     string
	interval time.Duration
	gate     GateFunc
	cycle    CycleFunc
	log      zerolog.Logger

	stop    chan struct{}
	stopped chan struct{}
	kick    chan struct{}

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// NewBaseThread builds a worker. A nil gate always passes.
func NewBaseThread(name string, interval time.Duration, gate GateFunc, cycle CycleFunc, log zerolog.Logger) *BaseThread {
	if gate == nil {
		gate = func(time.Time) bool { return true }
	}
	return &BaseThread{
		name:     name,
		interval: interval,
		gate:     gate,
		cycle:    cycle,
		log:      log.With().Str("thread", name).Logger(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		kick:     make(chan struct{}, 1),
		stats:    Stats{Name: name, State: "stopped"},
		now:      time.Now,
	}
}

// Start launches the loop. The first cycle runs immediately when gated.
func (t *BaseThread) Start(ctx context.Context) {
	t.mu.Lock()
	t.stats.State = "running"
	t.mu.Unlock()

	go t.run(ctx)
	t.log.Info().Dur("interval", t.interval).Msg("Worker started")
}

func (t *BaseThread) run(ctx context.Context) {
	defer close(t.stopped)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx, false)
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx, false)
		case <-t.kick:
			t.tick(ctx, true)
		}
	}
}

// tick runs one gated cycle. A forced tick skips the gate.
func (t *BaseThread) tick(ctx context.Context, forced bool) {
	now := t.now()
	gated := t.gate(now)

	t.mu.Lock()
	t.stats.IsMarketHours = gated
	t.mu.Unlock()

	if !gated && !forced {
		return
	}

	started := t.now()
	messages, err := t.runCycle(ctx)
	elapsed := t.now().Sub(started)

	t.mu.Lock()
	t.stats.CycleCount++
	t.stats.MessageCount += int64(messages)
	t.stats.LastCheck = started.UTC()
	if t.stats.AvgCycleMs == 0 {
		t.stats.AvgCycleMs = float64(elapsed.Milliseconds())
	} else {
		// Exponential rolling mean over recent cycles.
		t.stats.AvgCycleMs = t.stats.AvgCycleMs*0.8 + float64(elapsed.Milliseconds())*0.2
	}
	if err != nil {
		t.stats.ErrorCount++
		t.stats.LastError = err.Error()
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Error().Err(err).Msg("Worker cycle failed")
	} else {
		t.log.Debug().Int("messages", messages).Dur("took", elapsed).Msg("Worker cycle complete")
	}
}

func (t *BaseThread) runCycle(ctx context.Context) (messages int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.cycle(ctx)
}

// Trigger schedules an immediate cycle, bypassing the gate. Non-blocking.
func (t *BaseThread) Trigger() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Stop signals the loop and waits up to timeout for it to exit. Returns
// false when the join timed out.
func (t *BaseThread) Stop(timeout time.Duration) bool {
	t.mu.Lock()
	t.stats.State = "stopping"
	t.mu.Unlock()

	close(t.stop)
	select {
	case <-t.stopped:
	case <-time.After(timeout):
		t.log.Warn().Msg("Worker join timed out")
		return false
	}

	t.mu.Lock()
	t.stats.State = "stopped"
	t.mu.Unlock()
	t.log.Info().Msg("Worker stopped")
	return true
}

// Name returns the worker name.
func (t *BaseThread) Name() string { return t.name }

// Stats returns a snapshot of the rolling stats.
func (t *BaseThread) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
