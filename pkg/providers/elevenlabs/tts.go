package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sona/pkg/adapters/tts"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	Language     string
	SessionID    string
	Room         string
}

// ElevenLabsTTS streams text over the stream-input websocket and emits
// decoded audio frames as they arrive.
type ElevenLabsTTS struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	u := s.buildURL()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		slog.Error("elevenlabs connect failed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return err
	}
	s.conn = conn
	slog.Info("elevenlabs connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model_id", s.cfg.ModelID),
		slog.String("voice_id", s.cfg.VoiceID))

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

func (s *ElevenLabsTTS) SendTextWithOptions(text string, flush bool) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" && !flush {
		return nil
	}
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text, flush: flush}:
	default:
	}
	return nil
}

// Flush stops generation and drops any audio already buffered so stale
// speech never plays after an interruption.
func (s *ElevenLabsTTS) Flush() {
	_ = s.send(map[string]any{"text": " ", "flush": true})
drainLoop:
	for {
		select {
		case <-s.out:
		default:
			break drainLoop
		}
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	if s.cfg.Language != "" {
		q.Set("language_code", s.cfg.Language)
	}
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *ElevenLabsTTS) writeLoop() {
	// keep-alive interval stays under the vendor's 20s idle timeout
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				slog.Error("elevenlabs read error",
					slog.String("session_id", s.cfg.SessionID),
					slog.String("error", err.Error()))
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *ElevenLabsTTS) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else {
			return
		}
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		slog.Error("elevenlabs audio decode error", "error", err)
		return
	}

	meta := map[string]string{
		frames.MetaRoom:   s.cfg.Room,
		frames.MetaSource: "tts",
	}
	f := frames.NewAudioFrame(s.cfg.SessionID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
	default:
		slog.Warn("elevenlabs output buffer full",
			slog.String("session_id", s.cfg.SessionID))
	}
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
