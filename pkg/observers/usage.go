package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/sona/pkg/metrics"
)

// UsageSummary aggregates billable usage across every session handled by
// the process since startup.
type UsageSummary struct {
	LLMPromptTokens     int64   `json:"llm_prompt_tokens"`
	LLMCompletionTokens int64   `json:"llm_completion_tokens"`
	STTAudioSeconds     float64 `json:"stt_audio_seconds"`
	TTSAudioSeconds     float64 `json:"tts_audio_seconds"`
}

// UsageCollector listens for usage-bearing metrics events and keeps a
// running total. Attach it as an observer and log the summary when the
// process shuts down.
type UsageCollector struct {
	mu      sync.Mutex
	summary UsageSummary
}

func NewUsageCollector() *UsageCollector {
	return &UsageCollector{}
}

func (c *UsageCollector) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case metrics.EventLLMUsage:
		prompt := intField(ev.Fields, "prompt_tokens")
		completion := intField(ev.Fields, "completion_tokens")
		c.mu.Lock()
		c.summary.LLMPromptTokens += prompt
		c.summary.LLMCompletionTokens += completion
		c.mu.Unlock()
	case metrics.EventSTTAudioIn:
		sec := floatField(ev.Fields, "duration_sec")
		if sec <= 0 {
			return
		}
		c.mu.Lock()
		c.summary.STTAudioSeconds += sec
		c.mu.Unlock()
	case metrics.EventTTSAudioOut:
		sec := floatField(ev.Fields, "duration_sec")
		if sec <= 0 {
			return
		}
		c.mu.Lock()
		c.summary.TTSAudioSeconds += sec
		c.mu.Unlock()
	}
}

func (c *UsageCollector) Summary() UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// LogSummary is intended as a shutdown callback.
func (c *UsageCollector) LogSummary(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	s := c.Summary()
	log.Info("usage",
		"llm_prompt_tokens", s.LLMPromptTokens,
		"llm_completion_tokens", s.LLMCompletionTokens,
		"stt_audio_seconds", s.STTAudioSeconds,
		"tts_audio_seconds", s.TTSAudioSeconds,
	)
}

func intField(fields map[string]any, key string) int64 {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func floatField(fields map[string]any, key string) float64 {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageCollector)(nil)
var _ metrics.Observer = (*LatencyObserver)(nil)
var _ metrics.Observer = (*LoggerObserver)(nil)
var _ metrics.Observer = (*MultiObserver)(nil)
