// Package regressed tracks the timed degraded mode entered when only a
// fallback endpoint could be selected. Callers decide what regressed mode
// means for them (blocking writes, warning users); this package only keeps time.
package regressed

import (
	"context"
	"sync"
	"time"

	"nodeselector/pkg/log"

	"github.com/looplab/fsm"
)

const (
	StateNormal    = "normal"
	StateRegressed = "regressed"

	eventRegress = "regress"
	eventRecover = "recover"

	// DefaultTimeout is how long regressed mode lasts after the last fallback selection.
	DefaultTimeout = 5 * time.Minute
)

// Listener is told when the state changes. It runs outside the state lock,
// one call at a time, and always receives the state as it is when it runs.
type Listener func(regressed bool)

// Snapshot is a point-in-time view of the state.
type Snapshot struct {
	Regressed bool      `json:"regressed"`
	Since     time.Time `json:"since,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// State owns the regressed flag and its single expiry timer.
type State struct {
	mu       sync.Mutex
	machine  *fsm.FSM
	timeout  time.Duration
	listener Listener

	// At most one timer is pending. generation invalidates a timer that
	// fired while Enter was replacing it.
	timer      *time.Timer
	generation uint64

	since     time.Time
	expiresAt time.Time

	// notifyMu orders listener calls; notified is the last value delivered.
	notifyMu sync.Mutex
	notified bool
}

// New creates a State in normal mode.
func New(timeout time.Duration, listener Listener) *State {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &State{
		timeout:  timeout,
		listener: listener,
		machine: fsm.NewFSM(
			StateNormal,
			fsm.Events{
				{Name: eventRegress, Src: []string{StateNormal}, Dst: StateRegressed},
				{Name: eventRecover, Src: []string{StateRegressed}, Dst: StateNormal},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					log.Info().Str("from", e.Src).Str("to", e.Dst).Msg("Regressed mode transition")
				},
			},
		),
	}
}

// Enter puts the state into regressed mode, or restarts the expiry timer if
// it is already regressed.
func (s *State) Enter() {
	s.mu.Lock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	generation := s.generation

	entered := false
	if s.machine.Is(StateNormal) {
		if err := s.machine.Event(context.Background(), eventRegress); err != nil {
			log.Error().Err(err).Msg("Failed to enter regressed mode")
		} else {
			entered = true
			s.since = time.Now()
		}
	}

	s.expiresAt = time.Now().Add(s.timeout)
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(generation) })
	s.mu.Unlock()

	if entered {
		s.notify()
	}
}

func (s *State) expire(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || !s.machine.Is(StateRegressed) {
		s.mu.Unlock()
		return
	}

	s.timer = nil
	err := s.machine.Event(context.Background(), eventRecover)
	if err == nil {
		s.since = time.Time{}
		s.expiresAt = time.Time{}
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to leave regressed mode")
		return
	}
	s.notify()
}

// IsRegressed reports whether the state is currently regressed.
func (s *State) IsRegressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Is(StateRegressed)
}

// Snapshot returns the current state with its timing.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Regressed: s.machine.Is(StateRegressed),
		Since:     s.since,
		ExpiresAt: s.expiresAt,
	}
}

// Timeout is the configured regressed-mode duration.
func (s *State) Timeout() time.Duration {
	return s.timeout
}

// Stop cancels the pending expiry. The current state is kept.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

// notify delivers the current state to the listener unless it already has
// it. A transition that lost the race to a later one is folded into it.
func (s *State) notify() {
	if s.listener == nil {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	regressed := s.IsRegressed()
	if regressed == s.notified {
		return
	}
	s.notified = regressed

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Regressed mode listener panicked")
		}
	}()
	s.listener(regressed)
}
