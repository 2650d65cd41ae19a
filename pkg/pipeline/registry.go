package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live room pipeline.
type Session struct {
	Room      string
	SessionID string
	TraceID   string
	Orch      Orchestrator
	Ctx       context.Context
	Cancel    context.CancelFunc
	Created   time.Time
}

type SessionFactory func(ctx context.Context, room, sessionID, traceID string) (Orchestrator, error)

// SessionRegistry tracks live sessions keyed by room name.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for room, building and starting a new
// pipeline on first sight. The bool reports whether a session was created.
func (r *SessionRegistry) GetOrCreate(room, sessionID, traceID string) (*Session, bool, error) {
	if room == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(room); ok {
		return v.(*Session), false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, room, sessionID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		Room:      room,
		SessionID: sessionID,
		TraceID:   traceID,
		Orch:      orch,
		Ctx:       ctx,
		Cancel:    cancel,
		Created:   time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(room, sess)
	if loaded {
		_ = orch.Stop()
		cancel()
		return actual.(*Session), false, nil
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(room string) (*Session, bool) {
	if v, ok := r.sessions.Load(room); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(room string) {
	if v, ok := r.sessions.LoadAndDelete(room); ok {
		sess := v.(*Session)
		if sess.Cancel != nil {
			sess.Cancel()
		}
		if sess.Orch != nil {
			_ = sess.Orch.Stop()
		}
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if room, ok := key.(string); ok {
			r.Remove(room)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty blocks until all sessions end or ctx is done.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
