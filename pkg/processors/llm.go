package processors

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sona/pkg/errorsx"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
	"github.com/harunnryd/sona/pkg/metrics"
	"github.com/harunnryd/sona/pkg/pipeline"
	"github.com/harunnryd/sona/pkg/redact"
	"github.com/harunnryd/sona/pkg/resilience"
)

// LLMProcessor turns finalized user utterances into assistant replies.
// A non-streaming Generate call runs first so tool calls are caught
// before any text reaches the TTS stage; plain replies are re-requested
// as a stream and chunked downstream.
type LLMProcessor struct {
	adapter         llm.LLMAdapter
	system          string
	tools           []llm.Tool
	toolIndex       map[string]llm.Tool
	messagesByScope map[string][]map[string]any
	pendingTools    map[string]llm.ToolCall
	maxHistory      int
	mu              sync.Mutex
	ctx             context.Context
	obs             metrics.Observer
}

const defaultLLMScope = "default"

func NewLLMProcessor(adapter llm.LLMAdapter, system string, tools []llm.Tool) *LLMProcessor {
	return &LLMProcessor{
		adapter:         adapter,
		system:          system,
		tools:           tools,
		toolIndex:       indexTools(tools),
		messagesByScope: make(map[string][]map[string]any),
		pendingTools:    make(map[string]llm.ToolCall),
		ctx:             context.Background(),
	}
}

func (p *LLMProcessor) Name() string { return "llm" }

func (p *LLMProcessor) SetObserver(obs metrics.Observer) {
	p.obs = obs
	if setter, ok := p.adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		setter.SetObserver(obs)
	}
}

func (p *LLMProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *LLMProcessor) SetTools(tools []llm.Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = tools
	p.toolIndex = indexTools(tools)
}

func (p *LLMProcessor) SetMaxHistory(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	p.maxHistory = n
}

func (p *LLMProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		switch sf.Name() {
		case "session_end":
			p.clearScope(scopeFromMeta(meta))
			return []frames.Frame{f}, nil
		case "tool_result":
			out, err := p.applyToolResult(sf)
			if err != nil {
				return []frames.Frame{f}, nil
			}
			return append(out, f), nil
		}
		if greet := meta[frames.MetaGreeting]; greet != "" {
			sessionID := meta[frames.MetaSessionID]
			outMeta := cloneStringMap(meta)
			outMeta[frames.MetaSource] = "llm"
			outMeta[frames.MetaTTSFlush] = "true"
			p.appendAssistant(scopeFromMeta(meta), greet)
			return []frames.Frame{frames.NewTextFrame(sessionID, sf.PTS(), greet, outMeta)}, nil
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if meta[frames.MetaSource] != "stt" || meta[frames.MetaIsFinal] != "true" {
		return []frames.Frame{f}, nil
	}
	sessionID := meta[frames.MetaSessionID]
	scope := scopeFromMeta(meta)

	slog.Info("llm_input_received", "session_id", sessionID, "text", redact.Text(tf.Text()))

	input := p.contextWithUser(tf.Text(), scope)
	out := []frames.Frame{}

	resp, err := p.adapter.Generate(p.ctx, input)
	if err != nil {
		reason := errorsx.ReasonLLMGenerate
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		slog.Error("llm_generate_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err)
		p.popLastMessage(scope)
		p.record(metrics.EventLLMError, sessionID, meta[frames.MetaTraceID])
		return append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)), nil
	}
	p.recordUsage(sessionID, meta[frames.MetaTraceID], resp.Usage)

	if len(resp.ToolCalls) > 0 {
		return append(out, p.emitToolCalls(sessionID, resp.ToolCalls, meta)...), nil
	}

	ch, err := p.adapter.Stream(p.ctx, input)
	if err != nil {
		reason := errorsx.ReasonLLMStream
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		slog.Error("llm_stream_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err)
		return append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)), nil
	}
	return append(out, p.streamToFrames(tf, ch)...), nil
}

func (p *LLMProcessor) contextWithUser(text, scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "user", "content": text})
	msgs = p.pruneLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	return llm.Context{Messages: cloneMessages(msgs), Tools: p.tools}
}

func (p *LLMProcessor) contextSnapshot(scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	return llm.Context{Messages: cloneMessages(msgs), Tools: p.tools}
}

func (p *LLMProcessor) ensureMessagesLocked(scope string) []map[string]any {
	scope = scopeKeyOrDefault(scope)
	msgs, ok := p.messagesByScope[scope]
	if !ok {
		if p.system != "" {
			msgs = []map[string]any{{"role": "system", "content": p.system}}
		} else {
			msgs = []map[string]any{}
		}
		p.messagesByScope[scope] = msgs
	}
	return msgs
}

func scopeFromMeta(meta map[string]string) string {
	if meta != nil {
		if sid := strings.TrimSpace(meta[frames.MetaSessionID]); sid != "" {
			return "session:" + sid
		}
	}
	return defaultLLMScope
}

func scopeKeyOrDefault(scope string) string {
	if strings.TrimSpace(scope) == "" {
		return defaultLLMScope
	}
	return scope
}

func (p *LLMProcessor) clearScope(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.messagesByScope, scopeKeyOrDefault(scope))
}

func (p *LLMProcessor) emitToolCalls(sessionID string, calls []llm.ToolCall, meta map[string]string) []frames.Frame {
	out := []frames.Frame{
		frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "thinking_start", meta),
	}
	p.mu.Lock()
	for _, call := range calls {
		p.pendingTools[call.ID] = call
		args, _ := json.Marshal(call.Arguments)
		outMeta := map[string]string{
			frames.MetaSessionID:  sessionID,
			frames.MetaToolCallID: call.ID,
			frames.MetaToolName:   call.Name,
			frames.MetaToolArgs:   string(args),
		}
		if meta != nil {
			if traceID := meta[frames.MetaTraceID]; traceID != "" {
				outMeta[frames.MetaTraceID] = traceID
			}
			if room := meta[frames.MetaRoom]; room != "" {
				outMeta[frames.MetaRoom] = room
			}
		}
		out = append(out, frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlToolCall, outMeta))
	}
	p.mu.Unlock()
	out = append(out, frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "thinking_end", meta))
	return out
}

func (p *LLMProcessor) applyToolResult(sf frames.SystemFrame) ([]frames.Frame, error) {
	meta := sf.Meta()
	sessionID := meta[frames.MetaSessionID]
	scope := scopeFromMeta(meta)
	callID := meta[frames.MetaToolCallID]
	result := meta[frames.MetaToolResult]
	status := strings.ToLower(meta[frames.MetaToolStatus])
	if status != "" && status != "ok" {
		p.appendSystem(scope, "The tool failed or timed out. Summarize briefly and suggest the next step.")
	}
	if callID == "" || result == "" {
		return nil, nil
	}
	p.mu.Lock()
	call, ok := p.pendingTools[callID]
	if ok {
		delete(p.pendingTools, callID)
	}
	toolName := call.Name
	if toolName == "" {
		toolName = meta[frames.MetaToolName]
	}
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{
			{
				"id":   callID,
				"type": "function",
				"function": map[string]any{
					"name":      toolName,
					"arguments": call.Arguments,
				},
			},
		},
	})
	msgs = append(msgs, map[string]any{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      result,
	})
	msgs = p.pruneLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	p.mu.Unlock()

	p.recordToolResult(sessionID, meta[frames.MetaTraceID], toolName, status)

	input := p.contextSnapshot(scope)
	ch, err := p.adapter.Stream(p.ctx, input)
	if err != nil {
		reason := errorsx.ReasonLLMStream
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		slog.Error("llm_stream_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err)
		return []frames.Frame{frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	return p.streamToFrames(frames.NewTextFrame(sessionID, sf.PTS(), "", meta), ch), nil
}

func (p *LLMProcessor) streamToFrames(src frames.TextFrame, ch <-chan string) []frames.Frame {
	var out []frames.Frame
	var full strings.Builder
	var chunk strings.Builder
	first := true
	srcMeta := src.Meta()
	sessionID := srcMeta[frames.MetaSessionID]
	scope := scopeFromMeta(srcMeta)
	const minChunkLen = 120
	emitChunk := func(text string, flush bool) {
		meta := cloneStringMap(srcMeta)
		meta[frames.MetaSource] = "llm"
		if flush {
			meta[frames.MetaTTSFlush] = "true"
		}
		out = append(out, frames.NewTextFrame(sessionID, time.Now().UnixNano(), text, meta))
	}
	for tok := range ch {
		full.WriteString(tok)
		chunk.WriteString(tok)
		if first {
			first = false
			p.record("llm_first_token", sessionID, srcMeta[frames.MetaTraceID])
		}
		if chunk.Len() >= minChunkLen {
			emitChunk(chunk.String(), false)
			chunk.Reset()
		}
	}
	if chunk.Len() > 0 {
		emitChunk(chunk.String(), true)
	} else {
		emitChunk("", true)
	}
	p.appendAssistant(scope, full.String())
	p.record("llm_done", sessionID, srcMeta[frames.MetaTraceID])
	return out
}

func (p *LLMProcessor) appendAssistant(scope, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "assistant", "content": text})
	msgs = p.pruneLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
}

func (p *LLMProcessor) appendSystem(scope, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "system", "content": text})
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
}

func (p *LLMProcessor) popLastMessage(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	if len(msgs) == 0 {
		return
	}
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs[:len(msgs)-1]
}

// pruneLocked drops the oldest non-system messages once history exceeds
// the configured cap.
func (p *LLMProcessor) pruneLocked(messages []map[string]any) []map[string]any {
	if p.maxHistory <= 0 {
		return messages
	}
	var nonSystem []int
	for i, msg := range messages {
		if role, _ := msg["role"].(string); strings.ToLower(role) != "system" {
			nonSystem = append(nonSystem, i)
		}
	}
	if len(nonSystem) <= p.maxHistory {
		return messages
	}
	drop := make(map[int]struct{})
	for _, idx := range nonSystem[:len(nonSystem)-p.maxHistory] {
		drop[idx] = struct{}{}
	}
	filtered := make([]map[string]any, 0, len(messages)-len(drop))
	for i, msg := range messages {
		if _, ok := drop[i]; ok {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered
}

func indexTools(tools []llm.Tool) map[string]llm.Tool {
	out := make(map[string]llm.Tool)
	for _, t := range tools {
		if t.Name != "" {
			out[t.Name] = t
		}
	}
	return out
}

func cloneMessages(in []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, m := range in {
		c := make(map[string]any, len(m))
		for k, v := range m {
			c[k] = v
		}
		out = append(out, c)
	}
	return out
}

func (p *LLMProcessor) record(name, sessionID, traceID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (p *LLMProcessor) recordUsage(sessionID, traceID string, usage llm.Usage) {
	if p.obs == nil || usage.TotalTokens == 0 {
		return
	}
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventLLMUsage,
		Time: time.Now(),
		Tags: tags,
		Fields: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

func (p *LLMProcessor) recordToolResult(sessionID, traceID, toolName, status string) {
	if p.obs == nil {
		return
	}
	if status == "" {
		status = "ok"
	}
	tags := map[string]string{frames.MetaSessionID: sessionID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventToolResult,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"tool": toolName, "status": status},
	})
}

var _ pipeline.FrameProcessor = (*LLMProcessor)(nil)
