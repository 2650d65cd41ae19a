package observers

import (
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/metrics"
)

func TestUsageCollectorAggregatesTokens(t *testing.T) {
	c := NewUsageCollector()
	c.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventLLMUsage,
		Time:   time.Now(),
		Fields: map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
	})
	c.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventLLMUsage,
		Time:   time.Now(),
		Fields: map[string]any{"prompt_tokens": 8, "completion_tokens": 3, "total_tokens": 11},
	})

	s := c.Summary()
	if s.LLMPromptTokens != 20 {
		t.Fatalf("expected 20 prompt tokens, got %d", s.LLMPromptTokens)
	}
	if s.LLMCompletionTokens != 8 {
		t.Fatalf("expected 8 completion tokens, got %d", s.LLMCompletionTokens)
	}
}

func TestUsageCollectorAggregatesAudioSeconds(t *testing.T) {
	c := NewUsageCollector()
	c.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventSTTAudioIn,
		Fields: map[string]any{"duration_sec": 0.02},
	})
	c.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventSTTAudioIn,
		Fields: map[string]any{"duration_sec": 0.02},
	})
	c.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTTSAudioOut,
		Fields: map[string]any{"duration_sec": 1.5},
	})

	s := c.Summary()
	if s.STTAudioSeconds < 0.039 || s.STTAudioSeconds > 0.041 {
		t.Fatalf("expected ~0.04 stt seconds, got %f", s.STTAudioSeconds)
	}
	if s.TTSAudioSeconds != 1.5 {
		t.Fatalf("expected 1.5 tts seconds, got %f", s.TTSAudioSeconds)
	}
}

func TestUsageCollectorIgnoresUnrelatedEvents(t *testing.T) {
	c := NewUsageCollector()
	c.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameIn})
	c.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSTTAudioIn})

	s := c.Summary()
	if s != (UsageSummary{}) {
		t.Fatalf("expected empty summary, got %+v", s)
	}
}

func TestLatencyObserverLogsOnceDone(t *testing.T) {
	o := NewLatencyObserver(nil)
	base := time.Now()
	tags := map[string]string{"session_id": "sess-1", "trace_id": "trace-1"}
	o.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSTTAudioIn, Time: base, Tags: tags})
	o.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSTTTranscript, Time: base.Add(200 * time.Millisecond), Tags: tags})
	o.RecordEvent(metrics.MetricsEvent{Name: "llm_first_token", Time: base.Add(400 * time.Millisecond), Tags: tags})
	o.RecordEvent(metrics.MetricsEvent{Name: "tts_first_audio", Time: base.Add(600 * time.Millisecond), Tags: tags})
	o.RecordEvent(metrics.MetricsEvent{Name: "llm_done", Time: base.Add(700 * time.Millisecond), Tags: tags})

	o.mu.Lock()
	remaining := len(o.traces)
	o.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected trace to be flushed after llm_done, got %d remaining", remaining)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(metrics.MetricsEvent{Name: "x"})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}
