package turn

import (
	"sync"
	"time"
)

// StateChange describes a single transition.
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

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid turn transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateThinking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateIdle},
}

// stateMachine is the turn FSM shared by the manager. All entries into
// SPEAKING and LISTENING are timestamped for barge-in decisions.
type stateMachine struct {
	mu      sync.RWMutex
	current State

	speakingSince  time.Time
	listeningSince time.Time

	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle}
}

func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state, rejecting moves the FSM does not allow.
func (sm *stateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	if !transitionValid(sm.current, to) {
		err := &InvalidTransitionError{From: sm.current, To: to}
		sm.mu.Unlock()
		return err
	}

	from := sm.current
	sm.current = to
	switch to {
	case StateListening:
		sm.listeningSince = time.Now()
	case StateSpeaking:
		sm.speakingSince = time.Now()
	}

	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	// Listeners run unlocked so they can read state back.
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

func (sm *stateMachine) AddListener(l StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

func (sm *stateMachine) SpeakingFor() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.current != StateSpeaking {
		return 0
	}
	return time.Since(sm.speakingSince)
}
