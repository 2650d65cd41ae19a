package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/metrics"
)

type upperProc struct{}

func (upperProc) Name() string { return "upper" }

func (upperProc) Process(f frames.Frame) ([]frames.Frame, error) {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return []frames.Frame{f}, nil
	}
	meta := tf.Meta()
	out := frames.NewTextFrame(meta[frames.MetaSessionID], tf.PTS(), strings.ToUpper(tf.Text()), meta)
	return []frames.Frame{out}, nil
}

type dropTextProc struct{}

func (dropTextProc) Name() string { return "drop_text" }

func (dropTextProc) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindText {
		return nil, nil
	}
	return []frames.Frame{f}, nil
}

func collectSink(mu *sync.Mutex, got *[]frames.Frame) func(frames.Frame) {
	return func(f frames.Frame) {
		mu.Lock()
		*got = append(*got, f)
		mu.Unlock()
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

func TestSyncPipelineTransformsFrames(t *testing.T) {
	orch := New(Config{HighCapacity: 8, LowCapacity: 8})
	_ = orch.AddProcessor(upperProc{})

	var mu sync.Mutex
	var got []frames.Frame
	orch.SetSink(collectSink(&mu, &got))

	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	orch.In() <- frames.NewTextFrame("s1", 1, "hello", nil)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	tf := got[0].(frames.TextFrame)
	if tf.Text() != "HELLO" {
		t.Fatalf("expected HELLO, got %q", tf.Text())
	}
}

func TestProcessorSwallowsFrames(t *testing.T) {
	orch := New(Config{HighCapacity: 8, LowCapacity: 8})
	_ = orch.AddProcessor(dropTextProc{})

	var mu sync.Mutex
	var got []frames.Frame
	orch.SetSink(collectSink(&mu, &got))

	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	orch.In() <- frames.NewTextFrame("s1", 1, "swallowed", nil)
	orch.In() <- frames.NewControlFrame("s1", 2, frames.ControlFlush, nil)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind() != frames.KindControl {
		t.Fatalf("expected only the control frame through, got %#v", got[0])
	}
}

func TestAsyncPipelineTransformsFrames(t *testing.T) {
	orch := New(Config{Async: true, StageBuffer: 8, HighCapacity: 8, LowCapacity: 8})
	_ = orch.AddProcessor(upperProc{})

	var mu sync.Mutex
	var got []frames.Frame
	orch.SetSink(collectSink(&mu, &got))

	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	for i := 0; i < 3; i++ {
		orch.In() <- frames.NewTextFrame("s1", int64(i+1), "hi", nil)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
}

func TestObserverRecordsDrops(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	orch := New(Config{HighCapacity: 1, LowCapacity: 1})
	orch.SetObserver(obs)

	// Stale wall-clock PTS forces the lag check to drop the frame.
	stale := time.Now().Add(-2 * time.Second).UnixNano()
	var mu sync.Mutex
	var got []frames.Frame
	orch.SetSink(collectSink(&mu, &got))

	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	orch.In() <- frames.NewAudioFrame("s1", stale, make([]byte, 320), 16000, 1, nil)

	waitFor(t, time.Second, func() bool {
		return obs.CountByName(metrics.EventFrameDrop) >= 1
	})
}

func TestSessionRegistryLifecycle(t *testing.T) {
	factory := func(ctx context.Context, room, sessionID, traceID string) (Orchestrator, error) {
		return New(Config{HighCapacity: 2, LowCapacity: 2}), nil
	}
	reg := NewSessionRegistry(factory)

	sess, created, err := reg.GetOrCreate("room-1", "sess-1", "trace-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || sess == nil {
		t.Fatalf("expected new session")
	}

	again, created, err := reg.GetOrCreate("room-1", "sess-2", "trace-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if created || again != sess {
		t.Fatalf("expected existing session back")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}

	reg.Remove("room-1")
	if reg.Count() != 0 {
		t.Fatalf("expected 0 sessions after remove, got %d", reg.Count())
	}
	if _, ok := reg.Get("room-1"); ok {
		t.Fatalf("removed session still resolvable")
	}
}

func TestSessionRegistryEmptyRoom(t *testing.T) {
	reg := NewSessionRegistry(func(ctx context.Context, room, sessionID, traceID string) (Orchestrator, error) {
		t.Fatalf("factory should not run for empty room")
		return nil, nil
	})
	sess, created, err := reg.GetOrCreate("", "s", "t")
	if sess != nil || created || err != nil {
		t.Fatalf("expected nil session for empty room")
	}
}

func TestWaitForEmpty(t *testing.T) {
	reg := NewSessionRegistry(func(ctx context.Context, room, sessionID, traceID string) (Orchestrator, error) {
		return New(Config{HighCapacity: 2, LowCapacity: 2}), nil
	})
	_, _, _ = reg.GetOrCreate("room-1", "s", "t")

	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.Remove("room-1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("expected registry to drain")
	}
}
