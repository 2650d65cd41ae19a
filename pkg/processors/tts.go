package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/tts"
	"github.com/harunnryd/sona/pkg/errorsx"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/logging"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/redact"
	"github.com/harunnryd/sona/pkg/resilience"
)

// TTSProcessor feeds assistant text to the speech-synthesis vendor and
// forwards the resulting audio frames. Interruption control frames flush
// the vendor session so stale audio never reaches the room.
type TTSProcessor struct {
	mu       sync.Mutex
	sessions map[string]tts.StreamingTTS
	factory  func(sessionID, room string) tts.StreamingTTS
	ctx      context.Context
	obs      metrics.Observer
	first    map[string]bool
	trace    map[string]string

	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	open     bool
	provider string

	logger *slog.Logger
}

type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewTTSProcessor(factory func(sessionID, room string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		sessions: make(map[string]tts.StreamingTTS),
		factory:  factory,
		first:    make(map[string]bool),
		trace:    make(map[string]string),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:   logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TTSProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "tts_processor")
	}
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	sessionID := meta[frames.MetaSessionID]
	var out []frames.Frame

	drain := func() {
		res := p.drainSession(sessionID)
		if len(res) > 0 {
			p.recordFirst(sessionID)
			out = append(out, res...)
		}
	}

	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "session_end" && sessionID != "" {
			p.CloseSession(sessionID)
		}
		return []frames.Frame{f}, nil

	case frames.KindControl:
		drain()
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlStartInterruption, frames.ControlFlush:
			p.withSession(sessionID, func(sess tts.StreamingTTS) {
				sess.Flush()
				p.logger.Info("tts flush",
					slog.String("session_id", sessionID),
					slog.String("code", string(cf.Code())))
			})
		case frames.ControlCancel, frames.ControlFallback:
			p.logger.Info("tts cancel",
				slog.String("session_id", sessionID),
				slog.String("code", string(cf.Code())))
			p.CloseSession(sessionID)
		case frames.ControlAudioReady:
			drain()
		}
		out = append(out, f)
		return out, nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] != "llm" {
			return []frames.Frame{f}, nil
		}
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			p.setTrace(sessionID, traceID)
		}
		flushRequested := meta[frames.MetaTTSFlush] == "true"
		if strings.TrimSpace(tf.Text()) == "" {
			if flushRequested {
				p.withSession(sessionID, func(sess tts.StreamingTTS) {
					if sender, ok := sess.(flushSender); ok {
						_ = sender.SendTextWithOptions("", true)
					} else {
						sess.Flush()
					}
				})
			}
			drain()
			return out, nil
		}

		if !p.breaker.Allow() {
			p.recordBreaker(metrics.EventBreakerDenied, sessionID)
			p.setBreakerOpen(true, sessionID)
			p.logger.Warn("tts circuit breaker open",
				slog.String("session_id", sessionID),
				slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
			drain()
			out = append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta))
			return out, nil
		}
		p.setBreakerOpen(false, sessionID)

		sess, err := p.getOrCreate(sessionID, meta[frames.MetaRoom])
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
			p.logger.Error("tts connection failed",
				slog.String("session_id", sessionID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			p.recordRateLimit(err, sessionID)
			p.breaker.OnError(err)
			drain()
			out = append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta))
			return out, nil
		}

		p.logger.Info("tts request",
			slog.String("session_id", sessionID),
			slog.String("text", clipText(redact.Text(tf.Text()))),
			slog.Int("text_length", len(tf.Text())))

		if flushRequested {
			if sender, ok := sess.(flushSender); ok {
				err = sender.SendTextWithOptions(tf.Text(), true)
			} else {
				err = sess.SendText(tf.Text())
			}
		} else {
			err = sess.SendText(tf.Text())
		}
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
			p.logger.Error("tts send failed",
				slog.String("session_id", sessionID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			retryErr := p.retry.Do(func() error {
				p.CloseSession(sessionID)
				sess, err = p.getOrCreate(sessionID, meta[frames.MetaRoom])
				if err != nil {
					return err
				}
				return sess.SendText(tf.Text())
			})
			err = retryErr
		}
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSRetry)
			p.logger.Error("tts send failed after retry",
				slog.String("session_id", sessionID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()),
				slog.Int("max_retries", p.retry.MaxRetries))
			p.recordRateLimit(err, sessionID)
			p.breaker.OnError(err)
			drain()
			out = append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta))
			return out, nil
		}

		p.breaker.OnSuccess()
		if flushRequested {
			if _, ok := sess.(flushSender); !ok {
				sess.Flush()
			}
		}
		drain()
		return out, nil

	default:
		drain()
		out = append(out, f)
		return out, nil
	}
}

func (p *TTSProcessor) getOrCreate(sessionID, room string) (tts.StreamingTTS, error) {
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
	if p.provider == "" {
		p.provider = sess.Name()
	}
	return sess, nil
}

func (p *TTSProcessor) CloseSession(sessionID string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok {
		_ = sess.Close()
		delete(p.sessions, sessionID)
	}
	delete(p.first, sessionID)
	delete(p.trace, sessionID)
}

func (p *TTSProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sess := range p.sessions {
		_ = sess.Close()
		delete(p.sessions, id)
	}
	p.first = make(map[string]bool)
	p.trace = make(map[string]string)
}

func (p *TTSProcessor) withSession(sessionID string, fn func(tts.StreamingTTS)) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if ok {
		fn(sess)
	}
}

func (p *TTSProcessor) drainSession(sessionID string) []frames.Frame {
	var out []frames.Frame
	p.withSession(sessionID, func(sess tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-sess.Results():
				if !ok {
					return
				}
				if af, isAudio := f.(frames.AudioFrame); isAudio {
					p.recordAudioOut(sessionID, af)
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	return out
}

func (p *TTSProcessor) recordAudioOut(sessionID string, af frames.AudioFrame) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTTSAudioOut,
		Time:   time.Now(),
		Tags:   p.baseTags(sessionID),
		Fields: map[string]any{"duration_sec": af.Duration().Seconds()},
	})
}

func (p *TTSProcessor) recordFirst(sessionID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	if p.first[sessionID] {
		p.mu.Unlock()
		return
	}
	p.first[sessionID] = true
	p.mu.Unlock()
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: time.Now(),
		Tags: p.baseTags(sessionID),
	})
}

func (p *TTSProcessor) setTrace(sessionID, traceID string) {
	p.mu.Lock()
	p.trace[sessionID] = traceID
	p.mu.Unlock()
}

func (p *TTSProcessor) baseTags(sessionID string) map[string]string {
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "tts"}
	p.mu.Lock()
	if traceID := p.trace[sessionID]; traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.mu.Unlock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *TTSProcessor) recordBreaker(name, sessionID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.baseTags(sessionID),
	})
}

func (p *TTSProcessor) recordRateLimit(err error, sessionID string) {
	if resilience.IsRateLimit(err) {
		p.recordBreaker(metrics.EventRateLimit, sessionID)
	}
}

func (p *TTSProcessor) setBreakerOpen(open bool, sessionID string) {
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.recordBreaker(metrics.EventBreakerOpen, sessionID)
		return
	}
	p.recordBreaker(metrics.EventBreakerClose, sessionID)
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
