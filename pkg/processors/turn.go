package processors

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/turn"
	"github.com/harunnryd/sona/pkg/vad"
)

// TurnProcessor decides when the user's utterance is complete. Finalized
// transcript segments accumulate per session until either the end-of-turn
// model is confident or the VAD reports silence; the aggregate is then
// released downstream as a single utterance.
//
// With preemptive generation on, a confident end-of-turn score releases
// the utterance immediately instead of waiting out the silence window.
type TurnProcessor struct {
	mu         sync.Mutex
	manager    turn.Manager
	eot        *turn.EndOfTurnModel
	detector   vad.Detector
	trackers   map[string]*vad.Tracker
	pending    map[string][]string
	preemptive bool
	hangover   time.Duration
	obs        metrics.Observer
}

type TurnOptions struct {
	Preemptive bool
	Hangover   time.Duration
}

func NewTurnProcessor(manager turn.Manager, detector vad.Detector, opts TurnOptions) *TurnProcessor {
	if opts.Hangover <= 0 {
		opts.Hangover = 300 * time.Millisecond
	}
	return &TurnProcessor{
		manager:    manager,
		eot:        turn.NewEndOfTurnModel(),
		detector:   detector,
		trackers:   make(map[string]*vad.Tracker),
		pending:    make(map[string][]string),
		preemptive: opts.Preemptive,
		hangover:   opts.Hangover,
	}
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindAudio:
		return p.processAudio(f.(frames.AudioFrame)), nil
	case frames.KindText:
		return p.processText(f.(frames.TextFrame)), nil
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *TurnProcessor) processAudio(af frames.AudioFrame) []frames.Frame {
	meta := af.Meta()
	sessionID := meta[frames.MetaSessionID]
	tracker := p.trackerFor(sessionID)

	out := []frames.Frame{af}
	switch tracker.Observe(af.RawPayload(), af.Rate()) {
	case vad.EventSpeechStart:
		p.manager.OnUserSpeechStart()
	case vad.EventSpeechEnd:
		p.manager.OnUserSpeechEnd()
		if utterance := p.takePending(sessionID); utterance != "" {
			out = append(out, p.utteranceFrames(sessionID, meta, utterance, "silence")...)
		}
	}
	return out
}

func (p *TurnProcessor) processText(tf frames.TextFrame) []frames.Frame {
	meta := tf.Meta()
	sessionID := meta[frames.MetaSessionID]
	if meta[frames.MetaSource] != "" && meta[frames.MetaSource] != "stt" {
		// agent-originated text passes through untouched
		return []frames.Frame{tf}
	}
	if meta[frames.MetaIsFinal] != "true" {
		return nil
	}

	p.mu.Lock()
	p.pending[sessionID] = append(p.pending[sessionID], tf.Text())
	aggregate := strings.TrimSpace(strings.Join(p.pending[sessionID], " "))
	p.mu.Unlock()

	if p.eot.EndOfTurn(aggregate) {
		p.takePending(sessionID)
		return p.utteranceFrames(sessionID, meta, aggregate, "eot_model")
	}
	if p.preemptive {
		// release early and mark it so downstream can discard if more
		// speech follows
		preMeta := cloneStringMap(meta)
		preMeta[frames.MetaPreemptive] = "true"
		p.takePending(sessionID)
		return p.utteranceFrames(sessionID, preMeta, aggregate, "preemptive")
	}
	return nil
}

func (p *TurnProcessor) utteranceFrames(sessionID string, meta map[string]string, text, reason string) []frames.Frame {
	outMeta := cloneStringMap(meta)
	outMeta[frames.MetaIsFinal] = "true"
	outMeta[frames.MetaSource] = "stt"
	outMeta[frames.MetaReason] = reason
	p.manager.OnAgentThinkStart()
	p.record(metrics.EventTurnComplete, sessionID, reason)
	pts := time.Now().UnixNano()
	return []frames.Frame{
		frames.NewControlFrame(sessionID, pts, frames.ControlEndOfTurn, outMeta),
		frames.NewTextFrame(sessionID, pts, text, outMeta),
	}
}

func (p *TurnProcessor) trackerFor(sessionID string) *vad.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracker, ok := p.trackers[sessionID]
	if !ok {
		tracker = vad.NewTracker(p.detector, p.hangover)
		p.trackers[sessionID] = tracker
	}
	return tracker
}

func (p *TurnProcessor) takePending(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := p.pending[sessionID]
	delete(p.pending, sessionID)
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (p *TurnProcessor) record(name, sessionID, reason string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaSessionID: sessionID,
			frames.MetaReason:    reason,
			"component":          "turn",
		},
	})
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)
