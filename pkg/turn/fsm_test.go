package turn

import (
	"errors"
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []PhaseChange
}

func (c *captureListener) OnPhaseChange(ev PhaseChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPhaseMachineHappyPath(t *testing.T) {
	listener := &captureListener{}
	m := NewPhaseMachine()
	m.AddListener(listener)

	for _, p := range []Phase{PhaseAccepted, PhaseAwaitingReady, PhaseActive, PhaseEnding, PhaseClosed} {
		if err := m.Transition(p, "test"); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	if m.Phase() != PhaseClosed {
		t.Fatalf("expected CLOSED, got %s", m.Phase())
	}
	if listener.Count() != 5 {
		t.Fatalf("expected 5 events, got %d", listener.Count())
	}
}

func TestPhaseMachineRejectsIllegalMoves(t *testing.T) {
	m := NewPhaseMachine()
	err := m.Transition(PhaseActive, "skip accept")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != PhaseConnecting || invalid.To != PhaseActive {
		t.Fatalf("unexpected error fields %+v", invalid)
	}

	if err := m.Transition(PhaseClosed, "unknown user"); err != nil {
		t.Fatalf("connecting -> closed should be legal: %v", err)
	}
	for p := PhaseConnecting; p <= PhaseClosed; p++ {
		if CanTransition(PhaseClosed, p) {
			t.Fatalf("closed must be terminal, allowed %s", p)
		}
	}
}

func TestListenerMayReadPhase(t *testing.T) {
	m := NewPhaseMachine()
	seen := make(chan Phase, 1)
	m.AddListener(listenerFunc(func(PhaseChange) { seen <- m.Phase() }))
	if err := m.Transition(PhaseAccepted, "ok"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := <-seen; got != PhaseAccepted {
		t.Fatalf("listener observed %s", got)
	}
}

type listenerFunc func(PhaseChange)

func (f listenerFunc) OnPhaseChange(ev PhaseChange) { f(ev) }
