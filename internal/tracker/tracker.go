// Package tracker implements the tracked-game presence lifecycle (module J
// support): Detected -> Active -> Stale -> Gone, driven by process-monitor
// events and a periodic /proc liveness sweep.
package tracker

import (
	"fmt"
	"sync"
	"time"
)

// State is a tracked process's presence state.
type State uint8

const (
	StateDetected State = iota
	StateActive
	StateStale
	StateGone
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDetected:
		return "DETECTED"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateGone:
		return "GONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsTerminal reports whether the state can no longer change. GONE is the
// only terminal state.
func (s State) IsTerminal() bool {
	return s == StateGone
}

// GameState holds the mutable presence state for one tracked PID. All
// fields are protected by mu.
type GameState struct {
	mu          sync.Mutex
	pid         uint32
	processName string
	current     State
	enteredAt   time.Time
	lastSeenAt  time.Time
}

// NewGameState creates a GameState for pid in DETECTED.
func NewGameState(pid uint32, processName string) *GameState {
	now := time.Now()
	return &GameState{
		pid:         pid,
		processName: processName,
		current:     StateDetected,
		enteredAt:   now,
		lastSeenAt:  now,
	}
}

// PID returns the tracked process ID. Immutable after construction.
func (gs *GameState) PID() uint32 { return gs.pid }

// ProcessName returns the tracked process's executable name. Immutable
// after construction.
func (gs *GameState) ProcessName() string { return gs.processName }

// Current returns the current presence state.
func (gs *GameState) Current() State {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.current
}

// TimeInState returns how long the process has held its current state.
func (gs *GameState) TimeInState() time.Duration {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return time.Since(gs.enteredAt)
}

// LastSeenAt returns the timestamp of the most recent liveness signal.
func (gs *GameState) LastSeenAt() time.Time {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.lastSeenAt
}

// Touch records a fresh liveness signal (a layer hello, a frametime datum,
// or a successful /proc re-check) and reactivates the process if it had
// gone STALE. Has no effect once GONE.
func (gs *GameState) Touch(at time.Time) (State, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.lastSeenAt = at
	if gs.current == StateGone {
		return gs.current, false
	}
	if gs.current == StateDetected || gs.current == StateStale {
		gs.current = StateActive
		gs.enteredAt = at
		return gs.current, true
	}
	return gs.current, false
}

// MarkStale transitions ACTIVE to STALE after a liveness gap. No-op from
// any other state.
func (gs *GameState) MarkStale() (State, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.current != StateActive {
		return gs.current, false
	}
	gs.current = StateStale
	gs.enteredAt = time.Now()
	return gs.current, true
}

// MarkGone transitions any non-terminal state to GONE. Never decays.
func (gs *GameState) MarkGone() (State, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.current == StateGone {
		return gs.current, false
	}
	gs.current = StateGone
	gs.enteredAt = time.Now()
	return gs.current, true
}

// Registry tracks every live GameState by PID.
type Registry struct {
	mu    sync.Mutex
	games map[uint32]*GameState
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{games: make(map[uint32]*GameState)}
}

// Observe records a liveness signal for pid, creating a GameState in
// DETECTED (then immediately touched to ACTIVE) if this is the first
// observation. Returns the state and whether a new ACTIVE transition
// occurred (true on first observation or on STALE->ACTIVE reactivation).
func (r *Registry) Observe(pid uint32, processName string) (*GameState, bool) {
	r.mu.Lock()
	gs, ok := r.games[pid]
	if !ok {
		gs = NewGameState(pid, processName)
		r.games[pid] = gs
	}
	r.mu.Unlock()

	_, becameActive := gs.Touch(time.Now())
	return gs, becameActive
}

// Get returns the tracked state for pid, if any.
func (r *Registry) Get(pid uint32) (*GameState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gs, ok := r.games[pid]
	return gs, ok
}

// Remove drops pid's tracked state entirely (used once GONE has been fully
// processed, e.g. after GameStopped has broadcast and the audit entry is
// written).
func (r *Registry) Remove(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, pid)
}

// All returns a snapshot of every tracked GameState.
func (r *Registry) All() []*GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*GameState, 0, len(r.games))
	for _, gs := range r.games {
		out = append(out, gs)
	}
	return out
}

// LivenessCheck reports whether pid still exists, e.g. procmon.IsRunning.
type LivenessCheck func(pid uint32) bool

// Sweep runs the periodic ACTIVE->STALE->GONE liveness pass: any ACTIVE
// state whose last signal is older than staleAfter becomes STALE; any
// STALE or DETECTED state whose owning process has exited per isAlive (or
// whose last signal is older than staleAfter+goneAfter) becomes GONE.
// Returns the PIDs that changed state in this pass, grouped by the state
// they entered.
func (r *Registry) Sweep(isAlive LivenessCheck, staleAfter, goneAfter time.Duration) (becameStale, becameGone []uint32) {
	now := time.Now()
	for _, gs := range r.All() {
		switch gs.Current() {
		case StateActive:
			if now.Sub(gs.LastSeenAt()) >= staleAfter {
				if _, ok := gs.MarkStale(); ok {
					becameStale = append(becameStale, gs.PID())
				}
			}
		case StateStale, StateDetected:
			dead := !isAlive(gs.PID())
			expired := now.Sub(gs.LastSeenAt()) >= staleAfter+goneAfter
			if dead || expired {
				if _, ok := gs.MarkGone(); ok {
					becameGone = append(becameGone, gs.PID())
				}
			}
		}
	}
	return becameStale, becameGone
}
