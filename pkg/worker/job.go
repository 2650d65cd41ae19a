package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/sona/pkg/pipeline"
)

// JobProcess holds state shared by every job handled by the worker
// process. Prewarm callbacks populate it once at startup; entrypoints
// read from it per job.
type JobProcess struct {
	mu       sync.RWMutex
	userdata map[string]any
}

func NewJobProcess() *JobProcess {
	return &JobProcess{userdata: make(map[string]any)}
}

func (p *JobProcess) SetUserData(key string, value any) {
	p.mu.Lock()
	p.userdata[key] = value
	p.mu.Unlock()
}

func (p *JobProcess) UserData(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.userdata[key]
	return v, ok
}

// JobContext is handed to the entrypoint for each incoming job. It
// carries the room assignment, the shared process state, a logger the
// entrypoint can enrich with context fields, and shutdown callbacks
// that run when the job's session ends.
type JobContext struct {
	proc      *JobProcess
	room      string
	sessionID string
	traceID   string
	ctx       context.Context

	mu        sync.Mutex
	logger    *slog.Logger
	orch      pipeline.Orchestrator
	shutdown  []func()
	connected bool
}

func NewJobContext(ctx context.Context, proc *JobProcess, room, sessionID, traceID string) *JobContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &JobContext{
		proc:      proc,
		room:      room,
		sessionID: sessionID,
		traceID:   traceID,
		ctx:       ctx,
		logger:    slog.Default(),
	}
}

func (j *JobContext) Proc() *JobProcess      { return j.proc }
func (j *JobContext) Room() string           { return j.room }
func (j *JobContext) SessionID() string      { return j.sessionID }
func (j *JobContext) TraceID() string        { return j.traceID }
func (j *JobContext) Context() context.Context { return j.ctx }

func (j *JobContext) Logger() *slog.Logger {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logger
}

// SetLogField adds a field to every log entry emitted through the job's
// logger.
func (j *JobContext) SetLogField(key string, value any) {
	j.mu.Lock()
	j.logger = j.logger.With(key, value)
	j.mu.Unlock()
}

// OnShutdown registers a callback to run when the job ends.
func (j *JobContext) OnShutdown(fn func()) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	j.shutdown = append(j.shutdown, fn)
	j.mu.Unlock()
}

// AttachOrchestrator hands the job its session pipeline. Called by the
// agent session during Start; the runtime reads it back once the
// entrypoint returns.
func (j *JobContext) AttachOrchestrator(orch pipeline.Orchestrator) {
	j.mu.Lock()
	j.orch = orch
	j.mu.Unlock()
}

func (j *JobContext) Orchestrator() pipeline.Orchestrator {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.orch
}

// Connect marks the job as joined to its room. It must be called after
// the session has been started.
func (j *JobContext) Connect() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.orch == nil {
		return errors.New("no session started for job")
	}
	j.connected = true
	j.logger.Info("job_connected", "room", j.room, "session_id", j.sessionID)
	return nil
}

func (j *JobContext) Connected() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.connected
}

// RunShutdownCallbacks runs registered callbacks in reverse order.
func (j *JobContext) RunShutdownCallbacks() {
	j.mu.Lock()
	cbs := make([]func(), len(j.shutdown))
	copy(cbs, j.shutdown)
	j.shutdown = nil
	j.mu.Unlock()
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
}
