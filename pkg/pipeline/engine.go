package pipeline

import (
	"context"
	"log/slog"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/metrics"
)

// FrameProcessor is a single pipeline stage. Returning a nil slice
// swallows the frame; returning an error drops it.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

type EngineConfig struct {
	SampleRate      int `mapstructure:"samplerate"`
	Channels        int `mapstructure:"channels"`
	STTReplayChunks int `mapstructure:"stt_replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"stt_replay_chunks", cfg.STTReplayChunks,
	)
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
