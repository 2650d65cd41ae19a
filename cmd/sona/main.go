package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/subosito/gotenv"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/adapters/tts"
	"github.com/harunnryd/sona/pkg/assistant"
	"github.com/harunnryd/sona/pkg/configutil"
	"github.com/harunnryd/sona/pkg/llm"
	"github.com/harunnryd/sona/pkg/observers"
	"github.com/harunnryd/sona/pkg/providers/deepgram"
	"github.com/harunnryd/sona/pkg/providers/elevenlabs"
	"github.com/harunnryd/sona/pkg/providers/mock"
	"github.com/harunnryd/sona/pkg/providers/openai"
	"github.com/harunnryd/sona/pkg/resilience"
	"github.com/harunnryd/sona/pkg/session"
	"github.com/harunnryd/sona/pkg/sona"
	"github.com/harunnryd/sona/pkg/transports"
	mocktransport "github.com/harunnryd/sona/pkg/transports/mock"
	roomtransport "github.com/harunnryd/sona/pkg/transports/room"
	"github.com/harunnryd/sona/pkg/vad"
	"github.com/harunnryd/sona/pkg/worker"
)

type openAISTTSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	DetectLanguage *bool  `mapstructure:"detect_language"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	WindowMS       int    `mapstructure:"window_ms"`
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	DetectLanguage *bool  `mapstructure:"detect_language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type elevenlabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	Language     string `mapstructure:"language"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

type openAILLMSettings struct {
	APIKey            string   `mapstructure:"api_key"`
	Model             string   `mapstructure:"model"`
	BaseURL           string   `mapstructure:"base_url"`
	Temperature       *float64 `mapstructure:"temperature"`
	UseCircuitBreaker *bool    `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int      `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int      `mapstructure:"circuit_cooldown_ms"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	Language          string `mapstructure:"language"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

type roomSettings struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	APIKey         string   `mapstructure:"api_key"`
	RTCPath        string   `mapstructure:"rtc_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func main() {
	_ = gotenv.Load(".env.local")

	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := sona.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	providers := sona.NewProviderRegistry()
	registerProviders(providers)

	transport, err := buildTransport(cfg)
	if err != nil {
		panic(err)
	}

	asst := assistant.New(slog.Default())

	var eng *sona.Engine
	w := worker.New(worker.Options{
		Prewarm: func(proc *worker.JobProcess) error {
			proc.SetUserData("vad", vad.Load())
			return nil
		},
		Entrypoint: func(job *worker.JobContext) error {
			job.SetLogField("room", job.Room())

			opts, err := eng.SessionOptions(job.TraceID())
			if err != nil {
				return err
			}
			if v, ok := job.Proc().UserData("vad"); ok {
				if det, ok := v.(vad.Detector); ok {
					opts.VAD = det
				}
			}

			sess := session.New(opts)
			sess.SetUserData(asst.UserDataFor(job.SessionID()))

			usage := observers.NewUsageCollector()
			sess.On("metrics_collected", func(payload any) {
				if ev, ok := payload.(session.MetricsCollectedEvent); ok {
					usage.RecordEvent(ev.Metrics)
				}
			})
			job.OnShutdown(func() {
				usage.LogSummary(job.Logger())
				asst.Forget(job.SessionID())
			})

			if err := sess.Start(job, asst.Agent()); err != nil {
				return err
			}
			return job.Connect()
		},
	})

	eng = sona.NewEngine(sona.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Transport: transport,
		Worker:    w,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx, eng); err != nil {
		slog.Error("worker_exit", "error", err)
	}
}

func registerProviders(reg *sona.ProviderRegistry) {
	reg.RegisterSTT("openai", func(cfg sona.Config, traceID string) (func(sessionID, room string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "detect_language", "language", "sample_rate", "window_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.stt.settings.model"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = engineSampleRate(cfg)
		}
		detect := configutil.BoolValue(settings.DetectLanguage, true)
		return func(sessionID, room string) stt.StreamingSTT {
			return openai.NewSTT(openai.STTConfig{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				BaseURL:        settings.BaseURL,
				SessionID:      sessionID,
				Room:           room,
				TraceID:        traceID,
				SampleRate:     settings.SampleRate,
				Language:       settings.Language,
				DetectLanguage: detect,
				WindowMS:       settings.WindowMS,
			})
		}, nil
	})

	reg.RegisterSTT("deepgram", func(cfg sona.Config, traceID string) (func(sessionID, room string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"language", "detect_language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.stt.settings.model"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = engineSampleRate(cfg)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		detect := configutil.BoolValue(settings.DetectLanguage, false)
		return func(sessionID, room string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				DetectLanguage: detect,
				SampleRate:     settings.SampleRate,
				Encoding:       settings.Encoding,
				Interim:        interim,
				VADEvents:      vadEvents,
				UtteranceEndMS: utteranceEnd,
				SessionID:      sessionID,
				Room:           room,
				TraceID:        traceID,
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg sona.Config, traceID string) (func(sessionID, room string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "language", "emit_interim"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, false)
		return func(sessionID, room string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				SessionID:         sessionID,
				Room:              room,
				TraceID:           traceID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				Language:          settings.Language,
				EmitInterim:       emitInterim,
			})
		}, nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg sona.Config) (func(sessionID, room string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "language", "output_format", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = engineSampleRate(cfg)
		}
		return func(sessionID, room string) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      settings.VoiceID,
				ModelID:      settings.ModelID,
				Language:     settings.Language,
				OutputFormat: settings.OutputFormat,
				SampleRate:   settings.SampleRate,
				SessionID:    sessionID,
				Room:         room,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg sona.Config) (func(sessionID, room string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			sampleRate = engineSampleRate(cfg)
		}
		channels := settings.Channels
		if channels == 0 {
			channels = 1
		}
		emitAudioReady := configutil.BoolValue(settings.EmitAudioReady, false)
		return func(sessionID, room string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				SessionID:      sessionID,
				Room:           room,
				SampleRate:     sampleRate,
				Channels:       channels,
				EmitAudioReady: emitAudioReady,
			})
		}, nil
	})

	reg.RegisterLLM("openai", func(cfg sona.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "temperature", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAILLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		if settings.Temperature != nil {
			adapter.Temperature = *settings.Temperature
		}
		useBreaker := configutil.BoolValue(settings.UseCircuitBreaker, true)
		threshold := settings.CircuitThreshold
		if threshold == 0 {
			threshold = 3
		}
		cooldown := settings.CircuitCooldownMs
		if cooldown == 0 {
			cooldown = 30000
		}
		if useBreaker {
			breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
			return llm.NewCircuitBreakerAdapter(adapter, breaker), nil
		}
		return adapter, nil
	})

	reg.RegisterLLM("mock", func(cfg sona.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "stream_chunks"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			StreamChunks: settings.StreamChunks,
		}), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func engineSampleRate(cfg sona.Config) int {
	if cfg.Engine.SampleRate > 0 {
		return cfg.Engine.SampleRate
	}
	return 16000
}

func buildTransport(cfg sona.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "room":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "public_url", "api_key", "rtc_path", "sample_rate", "channels", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings roomSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return roomtransport.New(roomtransport.Config{
			ServerAddr:     settings.ServerAddr,
			PublicURL:      settings.PublicURL,
			APIKey:         settings.APIKey,
			RTCPath:        settings.RTCPath,
			SampleRate:     settings.SampleRate,
			Channels:       settings.Channels,
			AllowAnyOrigin: settings.AllowAnyOrigin,
			AllowedOrigins: settings.AllowedOrigins,
		}), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}
