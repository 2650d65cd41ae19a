package turn

import (
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	if err := sm.Transition(StateSpeaking, "test"); err == nil {
		t.Fatalf("expected IDLE -> SPEAKING to be rejected")
	}
	if sm.State() != StateIdle {
		t.Fatalf("state changed after rejected transition: %s", sm.State())
	}
}

func TestStateMachineNotifiesListeners(t *testing.T) {
	sm := newStateMachine()
	var mu sync.Mutex
	var events []StateChange
	sm.AddListener(listenerFunc(func(ev StateChange) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	if err := sm.Transition(StateListening, "test listening"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].FromState != StateIdle || events[0].ToState != StateListening {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

type listenerFunc func(StateChange)

func (f listenerFunc) OnStateChange(ev StateChange) { f(ev) }

func TestManagerBargeInFlushesPlayback(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManagerWithOptions(AggressiveStrategy{}, emitter, ManagerOptions{
		MinBargeIn: 20 * time.Millisecond,
	})

	m.OnUserSpeechStart()
	m.OnUserSpeechEnd()
	m.OnAgentThinkStart()
	m.OnAgentSpeechStart()
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}

	// User talks over the agent long enough to trip the barge-in timer.
	m.OnUserSpeechStart()
	time.Sleep(80 * time.Millisecond)

	if emitter.Count() != 3 {
		t.Fatalf("expected interrupt+flush+cancel, got %d frames", emitter.Count())
	}
	ctrl, ok := emitter.frames[0].(frames.ControlFrame)
	if !ok || ctrl.Code() != frames.ControlStartInterruption {
		t.Fatalf("expected start_interruption first, got %#v", emitter.frames[0])
	}
}

func TestManagerPoliteStrategyNeverInterrupts(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManagerWithOptions(PoliteStrategy{}, emitter, ManagerOptions{
		MinBargeIn: 10 * time.Millisecond,
	})

	m.OnUserSpeechStart()
	m.OnUserSpeechEnd()
	m.OnAgentThinkStart()
	m.OnAgentSpeechStart()
	m.OnUserSpeechStart()
	time.Sleep(50 * time.Millisecond)

	if emitter.Count() != 0 {
		t.Fatalf("polite strategy should not flush, got %d frames", emitter.Count())
	}
}

func TestManagerShortBlipDoesNotInterrupt(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManagerWithOptions(AggressiveStrategy{}, emitter, ManagerOptions{
		MinBargeIn: 60 * time.Millisecond,
	})

	m.OnUserSpeechStart()
	m.OnUserSpeechEnd()
	m.OnAgentThinkStart()
	m.OnAgentSpeechStart()

	m.OnUserSpeechStart()
	m.OnUserSpeechEnd() // stops the timer before it fires
	time.Sleep(100 * time.Millisecond)

	if emitter.Count() != 0 {
		t.Fatalf("expected no interruption for a short blip, got %d frames", emitter.Count())
	}
}

func TestEndOfTurnModel(t *testing.T) {
	m := NewEndOfTurnModel()

	cases := []struct {
		text string
		want bool
	}{
		{"What is the weather in Tokyo?", true},
		{"My name is Harun.", true},
		{"I want to tell you about my", false},
		{"y luego fuimos a la", false},
		{"und dann sind wir", false},
		{"", false},
		{"tell me a story about dragons", true},
	}
	for _, tc := range cases {
		if got := m.EndOfTurn(tc.text); got != tc.want {
			t.Errorf("EndOfTurn(%q) = %v, want %v (score %f)", tc.text, got, tc.want, m.Score(tc.text))
		}
	}
}
