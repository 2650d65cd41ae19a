package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/resilience"
)

// STTConfig configures the transcription session.
type STTConfig struct {
	APIKey         string
	Model          string
	SessionID      string
	Room           string
	TraceID        string
	SampleRate     int
	Language       string
	DetectLanguage bool
	BaseURL        string

	// WindowMS is how much audio to accumulate before a transcription
	// request is issued.
	WindowMS int
}

// StreamingSTT batches PCM into short windows and transcribes each
// window with the audio transcriptions endpoint. The vendor has no
// public realtime socket for the mini transcribe models, so windows come
// back slightly delayed but complete.
type StreamingSTT struct {
	cfg     STTConfig
	client  *http.Client
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	buf     bytes.Buffer
	started bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini-transcribe"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = 2000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &StreamingSTT{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		out:    make(chan frames.Frame, 32),
	}
}

func (s *StreamingSTT) Name() string { return "openai_stt" }

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
		return errors.New("stt session not started")
	}
	s.buf.Write(frame.RawPayload())
	windowBytes := s.cfg.SampleRate * 2 * s.cfg.WindowMS / 1000
	ready := s.buf.Len() >= windowBytes
	var window []byte
	if ready {
		window = append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
	}
	s.mu.Unlock()

	if !ready {
		return nil
	}
	go s.transcribe(window)
	return nil
}

func (s *StreamingSTT) transcribe(pcm []byte) {
	text, lang, err := s.requestTranscription(pcm)
	if err != nil || strings.TrimSpace(text) == "" {
		return
	}
	meta := map[string]string{
		frames.MetaRoom:    s.cfg.Room,
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "true",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	if lang != "" {
		meta[frames.MetaLanguage] = lang
	}
	f := frames.NewTextFrame(s.cfg.SessionID, time.Now().UnixNano(), text, meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingSTT) requestTranscription(pcm []byte) (string, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", "", err
	}
	if _, err := fw.Write(wavEncode(pcm, s.cfg.SampleRate)); err != nil {
		return "", "", err
	}
	_ = mw.WriteField("model", s.cfg.Model)
	_ = mw.WriteField("response_format", "json")
	if !s.cfg.DetectLanguage && s.cfg.Language != "" {
		_ = mw.WriteField("language", s.cfg.Language)
	}
	if err := mw.Close(); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return "", "", resilience.RateLimitError{Provider: "openai", Message: string(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", "", errors.New(string(raw))
	}
	var payload struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", err
	}
	return payload.Text, payload.Language, nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// wavEncode wraps 16-bit mono PCM in a minimal RIFF header.
func wavEncode(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
