package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Config holds Deepgram streaming transcription settings.
type Config struct {
	APIKey         string
	Model          string
	Language       string
	DetectLanguage bool
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	SessionID      string
	Room           string
	TraceID        string
}

// StreamingSTT streams PCM audio to Deepgram's live transcription
// websocket and emits text frames as results arrive. When VADEvents is
// set, native speech-start and utterance-end events are surfaced as
// flush control frames so downstream turn handling can react without
// waiting for transcripts.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}

	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt")

	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	language := s.cfg.Language
	if s.cfg.DetectLanguage {
		// Leave the language unset so Deepgram picks it per-utterance.
		language = ""
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("room", s.cfg.Room),
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("session_id", s.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}

	s.logger.Info("deepgram_connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("room", s.cfg.Room),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", s.cfg.SessionID))
		}
	}()

	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("session_id", s.cfg.SessionID))

	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
	}
	return err
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaSessionID: s.cfg.SessionID,
		frames.MetaRoom:      s.cfg.Room,
		frames.MetaSource:    "stt",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

func (s *StreamingSTT) emitFlush(reason string) {
	meta := s.baseMeta()
	meta[frames.MetaReason] = reason

	f := frames.NewControlFrame(s.cfg.SessionID, time.Now().UnixNano(), frames.ControlFlush, meta)
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("reason", reason))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	transcript := alt.Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := c.parent.baseMeta()
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	} else {
		meta[frames.MetaIsFinal] = "false"
	}
	if c.parent.cfg.Language != "" {
		meta[frames.MetaLanguage] = c.parent.cfg.Language
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	f := frames.NewTextFrame(c.parent.cfg.SessionID, time.Now().UnixNano(), transcript, meta)

	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", c.parent.cfg.SessionID))
	}

	if isFinal {
		c.parent.emitFlush("speech_final")
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Info("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	c.parent.emitFlush("speech_started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Info("utterance_end_event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	c.parent.emitFlush("utterance_end")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
