package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
	"github.com/harunnryd/sona/pkg/metrics"
	mockllm "github.com/harunnryd/sona/pkg/providers/mock"
)

func userUtterance(sessionID, text string) frames.TextFrame {
	meta := map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "true",
	}
	return frames.NewTextFrame(sessionID, time.Now().UnixNano(), text, meta)
}

func TestLLMStreamsPlainReply(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		StreamChunks: []string{"The weather there is sunny ", "with a temperature of 70 degrees."},
	})
	proc := NewLLMProcessor(adapter, "You are a helpful assistant.", nil)

	out, err := proc.Process(userUtterance("sess-1", "How is the weather?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var full strings.Builder
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok {
			if tf.Meta()[frames.MetaSource] != "llm" {
				t.Fatalf("expected llm source on reply, got %q", tf.Meta()[frames.MetaSource])
			}
			full.WriteString(tf.Text())
		}
	}
	if got := full.String(); got != "The weather there is sunny with a temperature of 70 degrees." {
		t.Fatalf("unexpected reply %q", got)
	}

	// Last text frame must carry the flush marker for the TTS stage.
	var last frames.TextFrame
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok {
			last = tf
		}
	}
	if last.Meta()[frames.MetaTTSFlush] != "true" {
		t.Fatalf("expected flush marker on final chunk")
	}
}

func TestLLMEmitsToolCalls(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "lookup_weather",
			Arguments: map[string]any{"location": "Tokyo"},
		}},
	})
	tools := []llm.Tool{{Name: "lookup_weather", Description: "Look up weather."}}
	proc := NewLLMProcessor(adapter, "", tools)

	out, err := proc.Process(userUtterance("sess-1", "What's the weather in Tokyo?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var sawToolCall bool
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlToolCall {
			sawToolCall = true
			meta := cf.Meta()
			if meta[frames.MetaToolName] != "lookup_weather" {
				t.Fatalf("unexpected tool name %q", meta[frames.MetaToolName])
			}
			if meta[frames.MetaToolCallID] != "call-1" {
				t.Fatalf("unexpected call id %q", meta[frames.MetaToolCallID])
			}
			if !strings.Contains(meta[frames.MetaToolArgs], "Tokyo") {
				t.Fatalf("tool args missing location: %q", meta[frames.MetaToolArgs])
			}
		}
	}
	if !sawToolCall {
		t.Fatalf("expected a tool_call control frame")
	}
}

func TestLLMToolResultTriggersFollowUp(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "lookup_weather",
			Arguments: map[string]any{"location": "Tokyo"},
		}},
		StreamChunks: []string{"It is sunny in Tokyo."},
	})
	proc := NewLLMProcessor(adapter, "", []llm.Tool{{Name: "lookup_weather"}})

	if _, err := proc.Process(userUtterance("sess-1", "Weather in Tokyo?")); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	resultMeta := map[string]string{
		frames.MetaToolCallID: "call-1",
		frames.MetaToolName:   "lookup_weather",
		frames.MetaToolResult: "sunny with a temperature of 70 degrees.",
		frames.MetaToolStatus: "ok",
	}
	sf := frames.NewSystemFrame("sess-1", time.Now().UnixNano(), "tool_result", resultMeta)
	out, err := proc.Process(sf)
	if err != nil {
		t.Fatalf("tool result: %v", err)
	}

	var sawReply bool
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok && strings.Contains(tf.Text(), "sunny in Tokyo") {
			sawReply = true
		}
	}
	if !sawReply {
		t.Fatalf("expected spoken follow-up after tool result")
	}
}

func TestLLMRecordsUsage(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{
		ResponseText: "hello",
		Usage:        llm.Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17},
	})
	proc := NewLLMProcessor(adapter, "", nil)
	obs := metrics.NewMemoryObserver()
	proc.SetObserver(obs)

	if _, err := proc.Process(userUtterance("sess-1", "hi")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if obs.CountByName(metrics.EventLLMUsage) != 1 {
		t.Fatalf("expected one usage event")
	}
	for _, e := range obs.Events() {
		if e.Name == metrics.EventLLMUsage && e.Fields["total_tokens"] != 17 {
			t.Fatalf("unexpected usage fields %+v", e.Fields)
		}
	}
}

func TestLLMHistoryPruning(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "ok"})
	proc := NewLLMProcessor(adapter, "system prompt", nil)
	proc.SetMaxHistory(4)

	for i := 0; i < 10; i++ {
		if _, err := proc.Process(userUtterance("sess-1", "turn")); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	proc.mu.Lock()
	msgs := proc.messagesByScope["session:sess-1"]
	proc.mu.Unlock()

	var nonSystem int
	for _, m := range msgs {
		if m["role"] != "system" {
			nonSystem++
		}
	}
	if nonSystem > 4 {
		t.Fatalf("history not pruned, %d non-system messages", nonSystem)
	}
	if msgs[0]["role"] != "system" {
		t.Fatalf("system prompt dropped during pruning")
	}
}

func TestLLMSessionEndClearsHistory(t *testing.T) {
	adapter := mockllm.NewLLMAdapter(mockllm.LLMConfig{ResponseText: "ok"})
	proc := NewLLMProcessor(adapter, "", nil)

	if _, err := proc.Process(userUtterance("sess-1", "hello")); err != nil {
		t.Fatalf("process: %v", err)
	}
	end := frames.NewSystemFrame("sess-1", time.Now().UnixNano(), "session_end", nil)
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("session end: %v", err)
	}

	proc.mu.Lock()
	_, ok := proc.messagesByScope["session:sess-1"]
	proc.mu.Unlock()
	if ok {
		t.Fatalf("history survived session end")
	}
}
