package sona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/sona/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Pipeline.Async {
		t.Fatal("expected async pipeline by default")
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureDrop {
		t.Fatalf("backpressure = %v", cfg.Pipeline.Backpressure)
	}
	if cfg.Engine.SampleRate != 16000 || cfg.Engine.Channels != 1 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.STTReplayChunks != 50 {
		t.Fatalf("stt_replay_chunks = %d", cfg.Engine.STTReplayChunks)
	}
	if !cfg.Session.PreemptiveGeneration {
		t.Fatal("expected preemptive generation on by default")
	}
	if cfg.Session.NoiseCancellation != "bvc" {
		t.Fatalf("noise_cancellation = %q", cfg.Session.NoiseCancellation)
	}
	if cfg.Turn.MinBargeInMS != 300 || cfg.Turn.HangoverMS != 300 {
		t.Fatalf("turn defaults = %+v", cfg.Turn)
	}
	if cfg.Tools.Concurrency != 4 || !cfg.Tools.SerializeBySession {
		t.Fatalf("tools defaults = %+v", cfg.Tools)
	}
	if cfg.Context.MaxHistory != 12 {
		t.Fatalf("max_history = %d", cfg.Context.MaxHistory)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log defaults = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadConfigExpandsEnvInSettings(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")
	cfg, err := LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: openai
    settings:
      api_key: ${TEST_OPENAI_KEY}
      model: gpt-4o-mini-transcribe
  tts:
    provider: mock
  llm:
    provider: mock
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "sk-test-123" {
		t.Fatalf("api_key = %v", got)
	}
}

func TestLoadConfigRejectsMissingProviders(t *testing.T) {
	cases := []string{
		`
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`,
		`
transports:
  provider: mock
vendors:
  tts:
    provider: mock
  llm:
    provider: mock
`,
		`
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`,
	}
	for i, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestParseBackpressure(t *testing.T) {
	if parseBackpressure("wait") != pipeline.BackpressureWait {
		t.Fatal("wait not parsed")
	}
	if parseBackpressure("drop") != pipeline.BackpressureDrop {
		t.Fatal("drop not parsed")
	}
	if parseBackpressure("") != pipeline.BackpressureDrop {
		t.Fatal("empty should default to drop")
	}
	if parseBackpressure("nonsense") != pipeline.BackpressureDrop {
		t.Fatal("unknown should default to drop")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
