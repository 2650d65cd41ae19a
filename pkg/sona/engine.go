package sona

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/logging"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/observers"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/processors"
	"github.com/harunnryd/sona/pkg/redact"
	"github.com/harunnryd/sona/pkg/runner"
	"github.com/harunnryd/sona/pkg/session"
	"github.com/harunnryd/sona/pkg/transports"
	"github.com/harunnryd/sona/pkg/worker"
)

// Engine owns the transport, the session registry and the observer
// chain. Each new room seen on the transport dispatches a worker job;
// the job's entrypoint assembles an AgentSession and the pipeline it
// produced is what the engine feeds transport frames into.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	worker    *worker.Worker
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	usage     *observers.UsageCollector
	sink      func(frames.Frame)
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	Worker    *worker.Worker
	// Usage, when set, replaces the engine-owned collector so the
	// caller can read the summary after shutdown.
	Usage *observers.UsageCollector
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("sona_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)
	pipeline.LogConfiguration(cfg.Engine)

	usage := opts.Usage
	if usage == nil {
		usage = observers.NewUsageCollector()
	}
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	multiObs := observers.NewMultiObserver(latencyObs, logObs, usage)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: "audio_out",
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaSessionID: meta[frames.MetaSessionID],
						frames.MetaRoom:      meta[frames.MetaRoom],
						frames.MetaTraceID:   meta[frames.MetaTraceID],
						"component":          "transport",
					},
					Fields: map[string]any{
						"sample_rate": af.Rate(),
						"channels":    af.Channels(),
					},
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	w := opts.Worker

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, room, sessionID, traceID string) (pipeline.Orchestrator, error) {
		if w == nil {
			return nil, fmt.Errorf("no worker configured")
		}
		job, err := w.Dispatch(ctx, room, sessionID, traceID)
		if err != nil {
			return nil, err
		}
		return job.Orchestrator(), nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Sona Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		providers: providers,
		worker:    w,
		runner:    lr,
		asyncObs:  asyncObs,
		usage:     usage,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// BuildSessionOptions maps the config's vendor and pipeline settings
// onto session options. The observer and sink are left unset; use
// Engine.SessionOptions from a job entrypoint to get a wired copy.
func BuildSessionOptions(cfg Config, providers *ProviderRegistry, traceID string) (session.Options, error) {
	sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
	if err != nil {
		return session.Options{}, err
	}
	ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return session.Options{}, err
	}
	llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return session.Options{}, err
	}

	return session.Options{
		STTFactory:     sttFactory,
		TTSFactory:     ttsFactory,
		LLM:            llmAdapter,
		NoiseMode:      processors.ParseNoiseMode(cfg.Session.NoiseCancellation),
		Preemptive:     cfg.Session.PreemptiveGeneration,
		ForwardInterim: cfg.STT.ForwardInterim,
		ReplayChunks:   cfg.Engine.STTReplayChunks,
		MaxHistory:     cfg.Context.MaxHistory,
		MinBargeIn:     time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
		Hangover:       time.Duration(cfg.Turn.HangoverMS) * time.Millisecond,
		Greeting:       cfg.Session.Greeting,
		Pipeline:       cfg.Pipeline,
		Tools: session.ToolDispatcherOptions{
			Concurrency:        cfg.Tools.Concurrency,
			Timeout:            time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
			Retries:            cfg.Tools.Retries,
			RetryBackoff:       time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
			SerializeBySession: cfg.Tools.SerializeBySession,
		},
	}, nil
}

// SessionOptions builds session options for one job with the engine's
// observer chain and transport sink already attached.
func (e *Engine) SessionOptions(traceID string) (session.Options, error) {
	opts, err := BuildSessionOptions(e.cfg, e.providers, traceID)
	if err != nil {
		return session.Options{}, err
	}
	opts.Observer = e.asyncObs
	opts.Sink = e.sink
	return opts, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			room := meta[frames.MetaRoom]
			sessionID := meta[frames.MetaSessionID]
			traceID := meta[frames.MetaTraceID]
			if room == "" || sessionID == "" {
				continue
			}
			if f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: "audio_in",
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaSessionID: sessionID,
						frames.MetaRoom:      room,
						frames.MetaTraceID:   traceID,
						"component":          "transport",
					},
					Fields: map[string]any{
						"sample_rate": af.Rate(),
						"channels":    af.Channels(),
					},
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case "session_end":
					e.registry.Remove(room)
					if e.worker != nil {
						e.worker.Finish(sessionID)
					}
					continue
				case "session_reconnect":
					e.registry.Remove(room)
					if e.worker != nil {
						if old := meta[frames.MetaOldSessionID]; old != "" {
							e.worker.Finish(old)
						}
					}
					continue
				}
			}
			sess, _, err := e.registry.GetOrCreate(room, sessionID, traceID)
			if err != nil {
				slog.Warn("session_create_failed", "room", room, "error", err)
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Usage() *observers.UsageCollector {
	return e.usage
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
