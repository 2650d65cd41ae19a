package session

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/adapters/tts"
	"github.com/harunnryd/sona/pkg/agent"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/processors"
	"github.com/harunnryd/sona/pkg/turn"
	"github.com/harunnryd/sona/pkg/vad"
	"github.com/harunnryd/sona/pkg/worker"
)

// Options configures one agent session's pipeline.
type Options struct {
	STTFactory     func(sessionID, room string) stt.StreamingSTT
	TTSFactory     func(sessionID, room string) tts.StreamingTTS
	LLM            llm.LLMAdapter
	VAD            vad.Detector
	NoiseMode      processors.NoiseMode
	Preemptive     bool
	ForwardInterim bool
	ReplayChunks   int
	MaxHistory     int
	MinBargeIn     time.Duration
	Hangover       time.Duration
	Greeting       string
	Pipeline       pipeline.Config
	Tools          ToolDispatcherOptions
	Observer       metrics.Observer
	Sink           func(frames.Frame)
}

// MetricsCollectedEvent is delivered to "metrics_collected" handlers for
// every metrics event the session's pipeline emits.
type MetricsCollectedEvent struct {
	Metrics metrics.MetricsEvent
}

// AgentSession assembles a voice pipeline for one job: noise gate, STT,
// turn handling, LLM with tools, tool dispatch, TTS.
type AgentSession struct {
	opts Options

	mu       sync.Mutex
	handlers map[string][]func(any)
	orch     pipeline.Orchestrator
	userdata any
	started  bool
}

func New(opts Options) *AgentSession {
	return &AgentSession{
		opts:     opts,
		handlers: make(map[string][]func(any)),
	}
}

// SetUserData attaches arbitrary per-session state.
func (s *AgentSession) SetUserData(v any) {
	s.mu.Lock()
	s.userdata = v
	s.mu.Unlock()
}

func (s *AgentSession) UserData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userdata
}

// On registers an event handler. Supported events: "metrics_collected".
func (s *AgentSession) On(event string, fn func(any)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], fn)
	s.mu.Unlock()
}

func (s *AgentSession) emit(event string, payload any) {
	s.mu.Lock()
	handlers := append([]func(any){}, s.handlers[event]...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

// Orchestrator returns the assembled pipeline, nil before Start.
func (s *AgentSession) Orchestrator() pipeline.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

// Start builds the pipeline for the job and attaches it to the job
// context. The caller (the session registry) starts the orchestrator.
func (s *AgentSession) Start(job *worker.JobContext, ag *agent.Agent) error {
	if job == nil {
		return errors.New("nil job context")
	}
	if ag == nil {
		return errors.New("nil agent")
	}
	if s.opts.LLM == nil {
		return errors.New("llm adapter required")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	ctx := job.Context()

	noiseProc := processors.NewNoiseProcessor(s.opts.NoiseMode)

	emitter := &inputEmitter{}
	manager := turn.NewManagerWithOptions(turn.AggressiveStrategy{}, emitter, turn.ManagerOptions{
		MinBargeIn: s.opts.MinBargeIn,
	})
	detector := s.opts.VAD
	if detector == nil {
		detector = vad.Load()
	}
	turnProc := processors.NewTurnProcessor(manager, detector, processors.TurnOptions{
		Preemptive: s.opts.Preemptive,
		Hangover:   s.opts.Hangover,
	})

	sttProc := processors.NewSTTProcessor(s.opts.STTFactory)
	sttProc.SetForwardInterim(s.opts.ForwardInterim)
	if s.opts.ReplayChunks > 0 {
		sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: s.opts.ReplayChunks})
	}
	sttProc.SetContext(ctx)

	var tools []llm.Tool
	if ag.Tools != nil {
		tools = ag.Tools.Tools()
	}
	llmProc := processors.NewLLMProcessor(s.opts.LLM, ag.Instructions, tools)
	if s.opts.MaxHistory > 0 {
		llmProc.SetMaxHistory(s.opts.MaxHistory)
	}
	llmProc.SetContext(ctx)

	ttsProc := processors.NewTTSProcessor(s.opts.TTSFactory)
	ttsProc.SetContext(ctx)

	dispatcher := NewToolDispatcherWithOptions(ag.Tools, nil, s.opts.Tools)

	obs := s.observer()
	sttProc.SetObserver(obs)
	turnProc.SetObserver(obs)
	llmProc.SetObserver(obs)
	ttsProc.SetObserver(obs)

	orch := pipeline.NewVoiceAgentBuilder().
		WithNoiseCancellation(noiseProc).
		WithSTT(sttProc).
		WithTurnManager(turnProc).
		WithLLM(llmProc).
		WithProcessor(dispatcher).
		WithTTS(ttsProc).
		Build(s.opts.Pipeline)
	orch.SetContext(ctx)
	orch.SetObserver(obs)
	if s.opts.Sink != nil {
		orch.SetSink(s.opts.Sink)
	}
	dispatcher.SetInput(orch.In())
	emitter.SetInput(orch.In())

	go func() {
		<-ctx.Done()
		sttProc.CloseAll()
		ttsProc.CloseAll()
		dispatcher.Close()
	}()

	s.mu.Lock()
	s.orch = orch
	s.mu.Unlock()
	job.AttachOrchestrator(orch)

	if s.opts.Greeting != "" {
		meta := map[string]string{
			frames.MetaSessionID: job.SessionID(),
			frames.MetaRoom:      job.Room(),
			frames.MetaTraceID:   job.TraceID(),
			frames.MetaGreeting:  s.opts.Greeting,
		}
		select {
		case orch.In() <- frames.NewSystemFrame(job.SessionID(), time.Now().UnixNano(), "session_greeting", meta):
		default:
		}
	}
	return nil
}

// observer wraps the configured observer so metrics events also reach
// "metrics_collected" handlers.
func (s *AgentSession) observer() metrics.Observer {
	return observerFunc(func(ev metrics.MetricsEvent) {
		if s.opts.Observer != nil {
			s.opts.Observer.RecordEvent(ev)
		}
		s.emit("metrics_collected", MetricsCollectedEvent{Metrics: ev})
	})
}

type observerFunc func(metrics.MetricsEvent)

func (f observerFunc) RecordEvent(ev metrics.MetricsEvent) { f(ev) }

// inputEmitter forwards interrupt frames into the pipeline input once
// the orchestrator exists.
type inputEmitter struct {
	mu sync.Mutex
	in chan frames.Frame
}

func (e *inputEmitter) SetInput(in chan frames.Frame) {
	e.mu.Lock()
	e.in = in
	e.mu.Unlock()
}

func (e *inputEmitter) Emit(f frames.Frame) error {
	e.mu.Lock()
	in := e.in
	e.mu.Unlock()
	if in == nil {
		return errors.New("pipeline input not ready")
	}
	select {
	case in <- f:
		return nil
	default:
		return errors.New("pipeline input full")
	}
}

var _ turn.InterruptEmitter = (*inputEmitter)(nil)
