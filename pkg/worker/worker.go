package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Options configures the worker runtime. Prewarm runs once per process
// before any job is accepted; Entrypoint runs for each incoming job.
type Options struct {
	Prewarm    func(proc *JobProcess) error
	Entrypoint func(job *JobContext) error
}

// Runnable is the engine surface the worker drives.
type Runnable interface {
	Start(ctx context.Context) error
	Stop() error
}

// Worker accepts jobs from the engine and runs the configured
// entrypoint for each of them.
type Worker struct {
	opts Options
	proc *JobProcess

	mu        sync.Mutex
	jobs      map[string]*JobContext
	prewarmed bool
}

func New(opts Options) *Worker {
	return &Worker{
		opts: opts,
		proc: NewJobProcess(),
		jobs: make(map[string]*JobContext),
	}
}

func (w *Worker) Proc() *JobProcess { return w.proc }

// Prewarm runs the prewarm callback once.
func (w *Worker) Prewarm() error {
	w.mu.Lock()
	done := w.prewarmed
	w.prewarmed = true
	w.mu.Unlock()
	if done || w.opts.Prewarm == nil {
		return nil
	}
	return w.opts.Prewarm(w.proc)
}

// Dispatch runs the entrypoint for a new job and returns the job
// context once the entrypoint has started a session for it.
func (w *Worker) Dispatch(ctx context.Context, room, sessionID, traceID string) (*JobContext, error) {
	if w.opts.Entrypoint == nil {
		return nil, errors.New("no entrypoint configured")
	}
	job := NewJobContext(ctx, w.proc, room, sessionID, traceID)
	if err := w.opts.Entrypoint(job); err != nil {
		return nil, err
	}
	if job.Orchestrator() == nil {
		return nil, errors.New("entrypoint did not start a session")
	}
	w.mu.Lock()
	w.jobs[sessionID] = job
	w.mu.Unlock()
	slog.Info("job_accepted", "room", room, "session_id", sessionID, "trace_id", traceID)
	return job, nil
}

// Finish runs shutdown callbacks for a completed job.
func (w *Worker) Finish(sessionID string) {
	w.mu.Lock()
	job := w.jobs[sessionID]
	delete(w.jobs, sessionID)
	w.mu.Unlock()
	if job != nil {
		job.RunShutdownCallbacks()
	}
}

// FinishAll runs shutdown callbacks for every live job.
func (w *Worker) FinishAll() {
	w.mu.Lock()
	jobs := make([]*JobContext, 0, len(w.jobs))
	for _, job := range w.jobs {
		jobs = append(jobs, job)
	}
	w.jobs = make(map[string]*JobContext)
	w.mu.Unlock()
	for _, job := range jobs {
		job.RunShutdownCallbacks()
	}
}

// Run prewarms the process, starts the engine, and blocks until the
// context is cancelled.
func (w *Worker) Run(ctx context.Context, engine Runnable) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.Prewarm(); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	err := engine.Stop()
	w.FinishAll()
	return err
}
