package jobs

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RunFunc executes one job. The context is the job's cancel token; the
// function must return promptly once it fires.
type RunFunc func(ctx context.Context, job Job)

// Executor runs accepted jobs on goroutines gated by a weighted
// semaphore sized to the concurrency cap. The manager's admission check
// already bounds accepted jobs, so the semaphore is a backstop that
// also keeps the queued state observable while a slot frees up.
type Executor struct {
	mgr    *Manager
	sem    *semaphore.Weighted
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewExecutor creates an executor over the manager's job table.
func NewExecutor(mgr *Manager, logger *slog.Logger) *Executor {
	return &Executor{
		mgr:    mgr,
		sem:    semaphore.NewWeighted(int64(mgr.MaxConcurrent())),
		logger: logger,
	}
}

// Submit schedules a created job for background execution. The job must
// already exist in the manager.
func (e *Executor) Submit(id string, run RunFunc) {
	ctx, ok := e.mgr.Context(id)
	if !ok {
		e.log().Error("submitted unknown job", "job_id", id)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while queued; the manager already holds the
			// terminal state.
			e.log().Info("job cancelled before start", "job_id", id)
			return
		}
		defer e.sem.Release(1)

		job, ok := e.mgr.Get(id)
		if !ok || job.Status.Terminal() {
			return
		}

		run(ctx, job)
	}()
}

// Wait blocks until every submitted job has returned. Used on shutdown.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}
