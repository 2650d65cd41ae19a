package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/errorsx"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/redact"
	"github.com/harunnryd/sona/pkg/resilience"
)

// STTProcessor streams inbound audio to a speech-to-text vendor and
// forwards transcript frames downstream. One vendor session per
// pipeline session, rebuilt on send failures with a replay of recent
// audio so the tail of an utterance is not lost.
type STTProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(sessionID, room string) stt.StreamingSTT
	replayCfg      STTReplayConfig
	replay         map[string]*audioReplayBuffer
	trace          map[string]string
	ctx            context.Context
	obs            metrics.Observer
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	forwardInterim bool
	interimLogged  map[string]bool
	provider       string
	breakerOpen    bool
}

type STTReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

type audioReplayBuffer struct {
	maxChunks int
	chunks    []audioChunk
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(chunk audioChunk) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([]audioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewSTTProcessor(factory func(sessionID, room string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		sessions:      make(map[string]stt.StreamingSTT),
		factory:       factory,
		replayCfg:     STTReplayConfig{MaxChunks: 50},
		replay:        make(map[string]*audioReplayBuffer),
		trace:         make(map[string]string),
		retry:         resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:       resilience.NewCircuitBreaker(3, 30*time.Second),
		interimLogged: make(map[string]bool),
	}
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

// SetReplayBuffer configures how many recent audio chunks to replay on reconnect.
func (p *STTProcessor) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		p.replay = make(map[string]*audioReplayBuffer)
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "session_end" {
			if sessionID := sf.Meta()[frames.MetaSessionID]; sessionID != "" {
				p.CloseSession(sessionID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	sessionID := meta[frames.MetaSessionID]
	room := meta[frames.MetaRoom]
	p.addReplay(sessionID, af)
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(sessionID, v)
	}

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, sessionID)
		p.setBreakerOpen(true, sessionID)
		slog.Info("stt_circuit_open", "session_id", sessionID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setBreakerOpen(false, sessionID)

	sess, err := p.getOrCreate(sessionID, room)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "session_id", sessionID, "room", room, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, sessionID)
		p.breaker.OnError(err)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setProviderFromSession(sess)
	p.recordAudio(sessionID, af)

	if err := sess.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		replayed := false
		retryErr := p.retry.Do(func() error {
			p.CloseSession(sessionID)
			sess, err = p.getOrCreate(sessionID, room)
			if err != nil {
				return err
			}
			if !replayed {
				p.replayToSession(sessionID, sess)
				replayed = true
			}
			return sess.SendAudio(af)
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSTTRetry)
			slog.Info("stt_retry_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(retryErr)), "error", retryErr.Error())
			p.recordRateLimit(retryErr, sessionID)
			p.breaker.OnError(retryErr)
			frames.ReleaseAudioFrame(f)
			return []frames.Frame{frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(f)

	return p.drainResults(sess.Results(), sessionID), nil
}

func (p *STTProcessor) getOrCreate(sessionID, room string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := p.factory(sessionID, room)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[sessionID] = sess
	return sess, nil
}

func (p *STTProcessor) CloseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok {
		_ = sess.Close()
		delete(p.sessions, sessionID)
	}
	delete(p.trace, sessionID)
	delete(p.replay, sessionID)
	delete(p.interimLogged, sessionID)
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sess := range p.sessions {
		_ = sess.Close()
		delete(p.sessions, id)
	}
	p.trace = make(map[string]string)
	p.replay = make(map[string]*audioReplayBuffer)
	p.interimLogged = make(map[string]bool)
}

func (p *STTProcessor) drainResults(ch <-chan frames.Frame, sessionID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() != frames.KindText {
				out = append(out, f)
				continue
			}
			tf := f.(frames.TextFrame)
			if tf.Meta()[frames.MetaIsFinal] != "true" {
				p.logInterim(sessionID, tf.Text())
				p.mu.Lock()
				forward := p.forwardInterim
				p.mu.Unlock()
				if forward {
					out = append(out, tf)
				}
				continue
			}
			p.logFinal(sessionID, tf)
			out = append(out, tf)
		default:
			return out
		}
	}
}

func (p *STTProcessor) addReplay(sessionID string, af frames.AudioFrame) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replayCfg.MaxChunks <= 0 {
		return
	}
	buf := p.replay[sessionID]
	if buf == nil {
		buf = newAudioReplayBuffer(p.replayCfg.MaxChunks)
		p.replay[sessionID] = buf
	}
	buf.Add(audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	})
}

func (p *STTProcessor) replayToSession(sessionID string, sess stt.StreamingSTT) {
	if sess == nil || sessionID == "" {
		return
	}
	p.mu.Lock()
	buf := p.replay[sessionID]
	p.mu.Unlock()
	for _, chunk := range buf.Snapshot() {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(sessionID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = sess.SendAudio(af)
	}
}

func (p *STTProcessor) setTrace(sessionID, traceID string) {
	p.mu.Lock()
	p.trace[sessionID] = traceID
	p.mu.Unlock()
}

func (p *STTProcessor) getTrace(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[sessionID]
}

func (p *STTProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *STTProcessor) setBreakerOpen(open bool, sessionID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, sessionID)
		return
	}
	p.record(metrics.EventBreakerClose, sessionID)
}

func (p *STTProcessor) recordRateLimit(err error, sessionID string) {
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, sessionID)
	}
}

func (p *STTProcessor) recordAudio(sessionID string, af frames.AudioFrame) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "stt"}
	if traceID := p.getTrace(sessionID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventSTTAudioIn,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"duration_sec": af.Duration().Seconds()},
	})
}

func (p *STTProcessor) record(name, sessionID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "stt"}
	if traceID := p.getTrace(sessionID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (p *STTProcessor) logInterim(sessionID, text string) {
	p.mu.Lock()
	if p.interimLogged[sessionID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[sessionID] = true
	p.mu.Unlock()
	slog.Info("stt_interim", "session_id", sessionID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(sessionID string, tf frames.TextFrame) {
	meta := tf.Meta()
	slog.Info("stt_final",
		"session_id", sessionID,
		"language", meta[frames.MetaLanguage],
		"text", clipText(redact.Text(tf.Text())),
	)
	p.record(metrics.EventSTTTranscript, sessionID)
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
