package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/frames"
)

type STTConfig struct {
	SessionID         string
	Room              string
	TraceID           string
	Transcript        string
	InterimTranscript string
	Language          string
	EmitInterim       bool
}

// StreamingSTT replies to the first audio chunk with a deterministic
// transcript, then stays quiet.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- frames.NewTextFrame(s.cfg.SessionID, time.Now().UnixNano(), interim, s.meta("false"))
	}
	s.out <- frames.NewTextFrame(s.cfg.SessionID, time.Now().UnixNano(), s.cfg.Transcript, s.meta("true"))
	return nil
}

func (s *StreamingSTT) meta(isFinal string) map[string]string {
	meta := map[string]string{
		frames.MetaRoom:    s.cfg.Room,
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: isFinal,
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	if s.cfg.Language != "" {
		meta[frames.MetaLanguage] = s.cfg.Language
	}
	return meta
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
