package sona

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/adapters/stt"
	"github.com/harunnryd/sona/pkg/adapters/tts"
	"github.com/harunnryd/sona/pkg/agent"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/providers/mock"
	"github.com/harunnryd/sona/pkg/session"
	mocktransport "github.com/harunnryd/sona/pkg/transports/mock"
	"github.com/harunnryd/sona/pkg/worker"
)

func testConfig() Config {
	return Config{
		Pipeline: pipeline.Config{HighCapacity: 64, LowCapacity: 64},
		Engine:   pipeline.EngineConfig{SampleRate: 16000, Channels: 1},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		},
		Transports: TransportsConfig{Provider: "mock"},
		Session:    SessionConfig{PreemptiveGeneration: true},
		LogLevel:   "error",
	}
}

func testProviders() *ProviderRegistry {
	providers := NewProviderRegistry()
	providers.RegisterSTT("mock", func(cfg Config, traceID string) (func(sessionID, room string) stt.StreamingSTT, error) {
		return func(sessionID, room string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				SessionID:  sessionID,
				Room:       room,
				TraceID:    traceID,
				Transcript: "hello there",
			})
		}, nil
	})
	providers.RegisterTTS("mock", func(cfg Config) (func(sessionID, room string) tts.StreamingTTS, error) {
		return func(sessionID, room string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{SessionID: sessionID, Room: room})
		}, nil
	})
	providers.RegisterLLM("mock", func(cfg Config) (llm.LLMAdapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "hi, how can I help?"}), nil
	})
	return providers
}

func testAgent() *agent.Agent {
	return &agent.Agent{
		Name:         "test",
		Instructions: "You are a concise voice assistant.",
		Tools:        agent.NewRegistry(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func sessionStartFrame(room, sessionID string) frames.SystemFrame {
	return frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_start", map[string]string{
		frames.MetaRoom:    room,
		frames.MetaTraceID: "trace-1",
	})
}

func sessionEndFrame(room, sessionID string) frames.SystemFrame {
	return frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_end", map[string]string{
		frames.MetaRoom:      room,
		frames.MetaEndReason: "completed",
	})
}

func loudPCM(n int) []byte {
	pcm := make([]byte, n)
	for i := 0; i < n; i += 2 {
		pcm[i+1] = 0x40
	}
	return pcm
}

func newTestEngine(t *testing.T, tr *mocktransport.Transport) (*Engine, *worker.Worker, *int, *sync.Mutex) {
	t.Helper()
	var eng *Engine
	var mu sync.Mutex
	shutdowns := 0
	w := worker.New(worker.Options{
		Entrypoint: func(job *worker.JobContext) error {
			opts, err := eng.SessionOptions(job.TraceID())
			if err != nil {
				return err
			}
			sess := session.New(opts)
			job.OnShutdown(func() {
				mu.Lock()
				shutdowns++
				mu.Unlock()
			})
			if err := sess.Start(job, testAgent()); err != nil {
				return err
			}
			return job.Connect()
		},
	})
	eng = NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: testProviders(),
		Transport: tr,
		Worker:    w,
	})
	return eng, w, &shutdowns, &mu
}

func TestEngineCreatesSessionPerRoom(t *testing.T) {
	tr := mocktransport.New()
	eng, _, _, _ := newTestEngine(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	tr.Push(sessionStartFrame("room-1", "sess-1"))
	waitFor(t, 3*time.Second, func() bool { return eng.Registry().Count() == 1 })

	tr.Push(sessionStartFrame("room-2", "sess-2"))
	waitFor(t, 3*time.Second, func() bool { return eng.Registry().Count() == 2 })

	// Frames for a known room reuse the existing session.
	tr.Push(sessionStartFrame("room-1", "sess-1"))
	time.Sleep(50 * time.Millisecond)
	if eng.Registry().Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", eng.Registry().Count())
	}
}

func TestEngineSpeechRoundTrip(t *testing.T) {
	tr := mocktransport.New()
	eng, _, _, _ := newTestEngine(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	tr.Push(sessionStartFrame("room-1", "sess-1"))
	waitFor(t, 3*time.Second, func() bool { return eng.Registry().Count() == 1 })

	tr.Push(frames.NewAudioFrame("sess-1", time.Now().UnixNano(), loudPCM(640), 16000, 1, map[string]string{
		frames.MetaRoom: "room-1",
	}))

	waitFor(t, 5*time.Second, func() bool {
		select {
		case f := <-tr.Sent():
			return f.Kind() == frames.KindAudio && f.Meta()[frames.MetaSource] == "tts"
		default:
			return false
		}
	})
}

func TestEngineFinishesJobOnSessionEnd(t *testing.T) {
	tr := mocktransport.New()
	eng, _, shutdowns, mu := newTestEngine(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	tr.Push(sessionStartFrame("room-1", "sess-1"))
	waitFor(t, 3*time.Second, func() bool { return eng.Registry().Count() == 1 })

	tr.Push(sessionEndFrame("room-1", "sess-1"))
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return *shutdowns == 1 && eng.Registry().Count() == 0
	})
}

func TestEngineIgnoresFramesWithoutRoom(t *testing.T) {
	tr := mocktransport.New()
	eng, _, _, _ := newTestEngine(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	tr.Push(frames.NewTextFrame("", time.Now().UnixNano(), "orphan", nil))
	time.Sleep(50 * time.Millisecond)
	if eng.Registry().Count() != 0 {
		t.Fatalf("expected no sessions, got %d", eng.Registry().Count())
	}
}

func TestBuildSessionOptionsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.STT.Provider = "nope"
	if _, err := BuildSessionOptions(cfg, testProviders(), ""); err == nil {
		t.Fatal("expected error for unknown stt provider")
	}
}

func TestEngineHealthRequiresTransport(t *testing.T) {
	eng := NewEngine(EngineOptions{Config: testConfig(), Providers: testProviders()})
	if err := eng.Health(); err == nil {
		t.Fatal("expected health error without transport")
	}
}
