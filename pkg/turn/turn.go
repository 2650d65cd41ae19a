package turn

import (
	"time"

	"github.com/harunnryd/sona/pkg/frames"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Strategy decides how the agent yields the floor to the user.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

// Manager tracks whose turn it is and fires interruption control frames
// when the user talks over the agent.
type Manager interface {
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnAgentThinkStart()
	OnAgentSpeechStart()
	OnAgentSpeechEnd()
	OnAudioComplete()
	AddListener(listener StateListener)
	State() State
	SinceLastChange() time.Duration
}

// InterruptEmitter carries control frames upstream of the speaking stages.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

func NewFlushFrame(sessionID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(sessionID, pts, frames.ControlFlush, nil)
}

func NewCancelFrame(sessionID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(sessionID, pts, frames.ControlCancel, nil)
}

func NewInterruptFrame(sessionID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(sessionID, pts, frames.ControlStartInterruption, nil)
}
