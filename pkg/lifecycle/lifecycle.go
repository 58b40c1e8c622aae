// Package lifecycle models the host process lifecycle as a small set of
// discrete phases with listen-once transition hooks.
package lifecycle

import (
	"sync"
)

// Phase is a discrete host lifecycle phase.
type Phase int32

const (
	NotStarted Phase = iota
	Starting
	Running
	Stopping
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// State provides synchronous access to the current host phase.
type State interface {
	Phase() Phase
}

// Signal holds the current host phase and delivers transition notifications.
// Listeners registered for a transition fire in registration order, each
// exactly once. A listener registered after its transition already happened
// fires immediately.
type Signal struct {
	mu         sync.Mutex
	phase      Phase
	onRunning  []func()
	onStopping []func()
}

// NewSignal creates a Signal in the NotStarted phase.
func NewSignal() *Signal {
	return &Signal{phase: NotStarted}
}

func (s *Signal) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Advance moves the signal to the given phase and fires pending listeners for
// every transition passed along the way. Moving backwards is a no-op.
func (s *Signal) Advance(p Phase) {
	var fire []func()

	s.mu.Lock()
	if p <= s.phase {
		s.mu.Unlock()
		return
	}
	if s.phase < Running && p >= Running {
		fire = append(fire, s.onRunning...)
		s.onRunning = nil
	}
	if s.phase < Stopping && p >= Stopping {
		fire = append(fire, s.onStopping...)
		s.onStopping = nil
	}
	s.phase = p
	s.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// OnRunning registers fn to run once when the host enters the Running phase.
func (s *Signal) OnRunning(fn func()) {
	s.mu.Lock()
	if s.phase >= Running {
		s.mu.Unlock()
		fn()
		return
	}
	s.onRunning = append(s.onRunning, fn)
	s.mu.Unlock()
}

// OnStopping registers fn to run once when the host enters the Stopping phase.
func (s *Signal) OnStopping(fn func()) {
	s.mu.Lock()
	if s.phase >= Stopping {
		s.mu.Unlock()
		fn()
		return
	}
	s.onStopping = append(s.onStopping, fn)
	s.mu.Unlock()
}
