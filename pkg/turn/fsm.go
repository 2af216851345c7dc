package turn

import (
	"sync"
	"time"
)

// Phase is the lifecycle stage of one call session.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseAccepted
	PhaseAwaitingReady
	PhaseActive
	PhaseEnding
	PhaseClosed
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseAccepted:
		return "ACCEPTED"
	case PhaseAwaitingReady:
		return "AWAITING_READY"
	case PhaseActive:
		return "ACTIVE"
	case PhaseEnding:
		return "ENDING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[Phase][]Phase{
	PhaseConnecting:    {PhaseAccepted, PhaseClosed},
	PhaseAccepted:      {PhaseAwaitingReady, PhaseClosed},
	PhaseAwaitingReady: {PhaseActive, PhaseEnding, PhaseClosed},
	PhaseActive:        {PhaseEnding, PhaseClosed},
	PhaseEnding:        {PhaseClosed},
}

// PhaseChange represents a phase transition event.
type PhaseChange struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

// PhaseListener observes phase changes.
type PhaseListener interface {
	OnPhaseChange(event PhaseChange)
}

// PhaseMachine validates and records session phase transitions.
type PhaseMachine struct {
	mu        sync.RWMutex
	current   Phase
	listeners []PhaseListener
	now       func() time.Time
}

func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{current: PhaseConnecting, now: time.Now}
}

// Phase returns the current phase.
func (m *PhaseMachine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new phase with validation. Listeners run after the
// lock is released.
func (m *PhaseMachine) Transition(to Phase, reason string) error {
	m.mu.Lock()
	if !CanTransition(m.current, to) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	event := PhaseChange{
		From:      m.current,
		To:        to,
		Timestamp: m.now(),
		Reason:    reason,
	}
	m.current = to
	listeners := make([]PhaseListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnPhaseChange(event)
	}
	return nil
}

// AddListener registers a listener for phase change events.
func (m *PhaseMachine) AddListener(listener PhaseListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid phase transition attempt.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}
