package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
)

// State is the orchestrator run state.
type State string

const (
	Idle    State = "IDLE"
	Running State = "RUNNING"
)

// validTransitions defines allowed state transitions. Running -> Running is
// deliberately absent: that rejection is the run lock.
var validTransitions = map[State][]State{
	Idle:    {Running},
	Running: {Idle},
}

// TransitionError is returned when a transition is not allowed from the
// current state.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Machine tracks and enforces run state transitions. The check and the
// update happen under one lock, so concurrent callers racing for Running
// see exactly one winner.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns *TransitionError if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return &TransitionError{From: m.current, To: to}
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
