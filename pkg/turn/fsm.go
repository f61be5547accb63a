package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// validTransitions encodes the session lifecycle: one caller turn moves
// Idle → Listening → Transcribing → Reasoning → (ToolDispatch → Reasoning)* →
// Speaking → Idle, with barge-in cutting Speaking back to Listening and Ended
// reachable from everywhere.
var validTransitions = map[State][]State{
	StateIdle:         {StateListening, StateSpeaking, StateEnded},
	StateListening:    {StateTranscribing, StateIdle, StateEnded},
	StateTranscribing: {StateReasoning, StateIdle, StateEnded},
	StateReasoning:    {StateToolDispatch, StateSpeaking, StateIdle, StateEnded},
	StateToolDispatch: {StateReasoning, StateEnded},
	StateSpeaking:     {StateIdle, StateListening, StateEnded},
	StateEnded:        {},
}

// Machine is the validated finite state machine for one session. The
// Idle → Speaking edge exists for the greeting and for locally generated
// fallback utterances, which bypass Reasoning.
type Machine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// TransitionIf performs the transition only when the machine is currently in
// from; it reports whether the transition happened. Listeners fire as usual.
func (m *Machine) TransitionIf(from, to State, reason string) bool {
	m.mu.Lock()
	if m.current != from || !transitionValid(from, to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return true
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
