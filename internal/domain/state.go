package domain

import (
	"errors"
	"fmt"
	"time"
)

// StateCode identifies a position lifecycle phase. Codes are stored scaled
// by ten so the exited-but-watching state (-1.5) stays exact in SQLite.
type StateCode int

const (
	// StateWatching - on the watchlist, no shares held
	StateWatching StateCode = 0
	// StateEntry1 - first entry tranche placed
	StateEntry1 StateCode = 10
	// StateEntry2 - second entry tranche placed
	StateEntry2 StateCode = 20
	// StateEntry3 - full size reached
	StateEntry3 StateCode = 30
	// StateFailed - setup failed before entry (terminal)
	StateFailed StateCode = -10
	// StateWatchingExited - exited, watching for re-entry
	StateWatchingExited StateCode = -15
	// StateStopped - stopped out (terminal)
	StateStopped StateCode = -20
)

// ErrInvalidTransition is returned when a state change is not in the graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrMissingTransitionFields is returned when a transition lacks the fields
// its descriptor declares (entry price/shares, exit price/reason, ...).
var ErrMissingTransitionFields = errors.New("missing required transition fields")

// transitions is the allowed-transitions graph. Terminal states have no exits.
var transitions = map[StateCode][]StateCode{
	StateWatching:       {StateEntry1, StateFailed},
	StateEntry1:         {StateEntry2, StateStopped, StateWatchingExited},
	StateEntry2:         {StateEntry3, StateStopped, StateWatchingExited},
	StateEntry3:         {StateStopped, StateWatchingExited},
	StateFailed:         {},
	StateWatchingExited: {StateWatching, StateStopped},
	StateStopped:        {},
}

// Float returns the published fractional view of the code (e.g. -1.5).
func (s StateCode) Float() float64 {
	return float64(s) / 10
}

// StateFromFloat converts the published fractional code to a StateCode.
func StateFromFloat(f float64) StateCode {
	return StateCode(int(f * 10))
}

// String returns a human-readable state name.
func (s StateCode) String() string {
	switch s {
	case StateWatching:
		return "watching"
	case StateEntry1:
		return "entry_1"
	case StateEntry2:
		return "entry_2"
	case StateEntry3:
		return "entry_3"
	case StateFailed:
		return "failed"
	case StateWatchingExited:
		return "watching_exited"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state has no allowed transitions out.
func (s StateCode) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is in the transition graph.
func CanTransition(from, to StateCode) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionChanges carries the fields a transition descriptor requires.
// Entries need shares+price; exits need price+reason+date.
type TransitionChanges struct {
	EntryShares *float64
	EntryPrice  *float64
	ExitPrice   *float64
	ExitReason  string
	ExitDate    *time.Time
}

// Transition validates and applies a state change to the position,
// recording tranche fields and the transition timestamp. The position is
// mutated only when the transition is valid and complete.
func (p *Position) Transition(to StateCode, now time.Time, changes TransitionChanges) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, p.State, to, p.Symbol)
	}

	switch to {
	case StateEntry1, StateEntry2, StateEntry3:
		if changes.EntryShares == nil || changes.EntryPrice == nil {
			return fmt.Errorf("%w: entry requires shares and price", ErrMissingTransitionFields)
		}
	case StateStopped, StateWatchingExited:
		if changes.ExitPrice == nil || changes.ExitReason == "" {
			return fmt.Errorf("%w: exit requires price and reason", ErrMissingTransitionFields)
		}
	}

	switch to {
	case StateEntry1:
		p.Entry1Shares = changes.EntryShares
		p.Entry1Price = changes.EntryPrice
		p.EntryDate = TimePtr(now)
	case StateEntry2:
		p.Entry2Shares = changes.EntryShares
		p.Entry2Price = changes.EntryPrice
	case StateEntry3:
		p.Entry3Shares = changes.EntryShares
		p.Entry3Price = changes.EntryPrice
	case StateStopped, StateWatchingExited:
		p.ClosePrice = changes.ExitPrice
		p.CloseReason = changes.ExitReason
		exitDate := now
		if changes.ExitDate != nil {
			exitDate = *changes.ExitDate
		}
		p.CloseDate = TimePtr(exitDate)
	case StateWatching:
		// Re-add from watching_exited: clear the closed lot so the
		// symbol is tracked fresh.
		p.ClosePrice = nil
		p.CloseDate = nil
		p.CloseReason = ""
	}

	p.State = to
	p.LastTransition = TimePtr(now)
	return nil
}
