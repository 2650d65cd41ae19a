package turn

import (
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
)

type ManagerOptions struct {
	// MinBargeIn is how long the user must keep talking over the agent
	// before playback is flushed.
	MinBargeIn time.Duration
}

type manager struct {
	mu          sync.RWMutex
	sm          *stateMachine
	strategy    Strategy
	emit        InterruptEmitter
	lastChange  time.Time
	speechStart time.Time
	minBargeIn  time.Duration
	flushTimer  *time.Timer
}

func NewManager(strategy Strategy, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, emitter InterruptEmitter, opts ManagerOptions) Manager {
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:         newStateMachine(),
		strategy:   strategy,
		emit:       emitter,
		lastChange: time.Now(),
		minBargeIn: minBargeIn,
	}
}

func (m *manager) State() State { return m.sm.State() }

func (m *manager) setState(s State, reason string) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.sm.Transition(s, reason)
}

func (m *manager) OnUserSpeechStart() {
	wasSpeaking := m.sm.State() == StateSpeaking
	m.setState(StateListening, "user speech start")

	m.mu.Lock()
	m.speechStart = time.Now()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	if wasSpeaking && m.strategy != nil && m.strategy.BargeInEnabled() {
		// Arm a timer instead of flushing immediately so a cough or a
		// brief VAD blip does not cut the agent off.
		start := m.speechStart
		m.flushTimer = time.AfterFunc(m.minBargeIn, func() {
			m.mu.RLock()
			active := m.sm.State() == StateListening && m.speechStart.Equal(start)
			m.mu.RUnlock()
			if active {
				m.emitInterrupt()
			}
		})
	}
	m.mu.Unlock()
}

func (m *manager) OnUserSpeechEnd() {
	m.setState(StateThinking, "user speech end")
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.mu.Unlock()
}

func (m *manager) OnAgentThinkStart() {
	if m.sm.State() == StateIdle {
		_ = m.sm.Transition(StateListening, "agent think start")
	}
	m.setState(StateThinking, "agent think start")
}

func (m *manager) OnAgentSpeechStart() {
	m.setState(StateSpeaking, "agent speech start")
}

func (m *manager) OnAgentSpeechEnd() {
	m.setState(StateIdle, "agent speech end")
}

// OnAudioComplete marks playback drained; the floor goes back to the user.
func (m *manager) OnAudioComplete() {
	if m.sm.State() == StateSpeaking {
		m.setState(StateListening, "audio playback complete")
	}
}

func (m *manager) SinceLastChange() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastChange)
}

func (m *manager) AddListener(l StateListener) {
	m.sm.AddListener(l)
}

func (m *manager) emitInterrupt() {
	m.mu.RLock()
	emit := m.emit
	m.mu.RUnlock()
	if emit == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: "barge_in",
	}
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlStartInterruption, meta))
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlFlush, meta))
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlCancel, meta))
}
