package session

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
)

type fakeRegistry struct {
	handler func(name string, args map[string]any) (string, error)
}

func (r *fakeRegistry) Tools() []llm.Tool { return nil }

func (r *fakeRegistry) HandleTool(name string, args map[string]any) (string, error) {
	return r.handler(name, args)
}

func toolCallFrame(sessionID, callID, name, args string) frames.ControlFrame {
	return frames.NewControlFrame(sessionID, time.Now().UnixNano(), frames.ControlToolCall, map[string]string{
		frames.MetaSessionID:  sessionID,
		frames.MetaRoom:       "room-1",
		frames.MetaToolCallID: callID,
		frames.MetaToolName:   name,
		frames.MetaToolArgs:   args,
	})
}

func awaitToolResult(t *testing.T, in chan frames.Frame) frames.SystemFrame {
	t.Helper()
	select {
	case f := <-in:
		sf, ok := f.(frames.SystemFrame)
		if !ok || sf.Name() != "tool_result" {
			t.Fatalf("expected tool_result frame, got %#v", f)
		}
		return sf
	case <-time.After(2 * time.Second):
		t.Fatal("no tool_result frame")
		return frames.SystemFrame{}
	}
}

func TestDispatcherExecutesToolAndEmitsResult(t *testing.T) {
	var gotName string
	var gotArgs map[string]any
	reg := &fakeRegistry{handler: func(name string, args map[string]any) (string, error) {
		gotName = name
		gotArgs = args
		return "sunny with a temperature of 70 degrees.", nil
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcher(reg, in)

	cf := toolCallFrame("sess-1", "call-1", "lookup_weather", `{"location":"Jakarta"}`)
	out, err := d.Process(cf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindControl {
		t.Fatalf("tool call should pass through, got %#v", out)
	}

	sf := awaitToolResult(t, in)
	meta := sf.Meta()
	if meta[frames.MetaToolStatus] != "ok" {
		t.Fatalf("status = %q", meta[frames.MetaToolStatus])
	}
	if meta[frames.MetaToolResult] != "sunny with a temperature of 70 degrees." {
		t.Fatalf("result = %q", meta[frames.MetaToolResult])
	}
	if meta[frames.MetaRoom] != "room-1" {
		t.Fatalf("room not carried: %v", meta)
	}
	if gotName != "lookup_weather" {
		t.Fatalf("handler saw %q", gotName)
	}
	if gotArgs["location"] != "Jakarta" {
		t.Fatalf("arguments not decoded: %v", gotArgs)
	}
	if gotArgs[frames.MetaSessionID] != "sess-1" {
		t.Fatalf("session id not injected: %v", gotArgs)
	}
}

func TestDispatcherReportsHandlerError(t *testing.T) {
	reg := &fakeRegistry{handler: func(string, map[string]any) (string, error) {
		return "", errors.New("no such city")
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcherWithOptions(reg, in, ToolDispatcherOptions{RetryBackoff: time.Millisecond})

	if _, err := d.Process(toolCallFrame("sess-1", "call-1", "lookup_weather", `{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := awaitToolResult(t, in)
	meta := sf.Meta()
	if meta[frames.MetaToolStatus] != "error" {
		t.Fatalf("status = %q", meta[frames.MetaToolStatus])
	}
	if meta[frames.MetaToolError] == "" {
		t.Fatal("expected tool error in meta")
	}
}

func TestDispatcherRetriesBeforeFailing(t *testing.T) {
	calls := 0
	reg := &fakeRegistry{handler: func(string, map[string]any) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcherWithOptions(reg, in, ToolDispatcherOptions{
		Retries:      2,
		RetryBackoff: time.Millisecond,
	})

	if _, err := d.Process(toolCallFrame("sess-1", "call-1", "set_user_data", `{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := awaitToolResult(t, in)
	if sf.Meta()[frames.MetaToolStatus] != "ok" {
		t.Fatalf("expected retry to recover, got %v", sf.Meta())
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDispatcherTimesOutSlowTool(t *testing.T) {
	reg := &fakeRegistry{handler: func(string, map[string]any) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcherWithOptions(reg, in, ToolDispatcherOptions{
		Timeout:      20 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})

	if _, err := d.Process(toolCallFrame("sess-1", "call-1", "lookup_weather", `{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := awaitToolResult(t, in)
	if sf.Meta()[frames.MetaToolStatus] != "timeout" {
		t.Fatalf("status = %q", sf.Meta()[frames.MetaToolStatus])
	}
}

func TestDispatcherCloseStopsExecution(t *testing.T) {
	done := make(chan struct{}, 4)
	reg := &fakeRegistry{handler: func(string, map[string]any) (string, error) {
		done <- struct{}{}
		return "ok", nil
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcher(reg, in)

	if _, err := d.Process(toolCallFrame("sess-1", "call-1", "lookup_weather", `{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued call did not run")
	}

	d.Close()
	d.Close()

	out, err := d.Process(toolCallFrame("sess-1", "call-2", "lookup_weather", `{}`))
	if err != nil {
		t.Fatalf("process after close: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindControl {
		t.Fatalf("tool call should still pass through, got %#v", out)
	}
	select {
	case <-done:
		t.Fatal("handler ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherIgnoresOtherFrames(t *testing.T) {
	reg := &fakeRegistry{handler: func(string, map[string]any) (string, error) {
		t.Fatal("handler should not run")
		return "", nil
	}}
	in := make(chan frames.Frame, 8)
	d := NewToolDispatcher(reg, in)

	out, err := d.Process(frames.NewTextFrame("sess-1", 1, "hello", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("text frame should pass through, got %#v", out)
	}

	out, err = d.Process(frames.NewControlFrame("sess-1", 2, frames.ControlFlush, nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("flush should pass through, got %#v", out)
	}
	select {
	case f := <-in:
		t.Fatalf("unexpected frame emitted: %#v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
