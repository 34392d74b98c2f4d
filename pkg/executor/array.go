package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// JobArray submits a batch of jobs through one executor with a bound on
// how many run at once
type JobArray struct {
	Executor Executor
	Logger   *zap.Logger

	jobs []*Job

	mu       sync.Mutex
	complete []*Job
	failed   []*Job
}

// NewJobArray creates an empty batch
func NewJobArray(e Executor, logger *zap.Logger) *JobArray {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobArray{Executor: e, Logger: logger}
}

// Add queues a job
func (a *JobArray) Add(job *Job) {
	a.jobs = append(a.jobs, job)
}

// Jobs returns the queued jobs in submission order
func (a *JobArray) Jobs() []*Job {
	return a.jobs
}

// Complete returns the jobs that exited zero
func (a *JobArray) Complete() []*Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Job(nil), a.complete...)
}

// Failed returns the jobs that exited non-zero
func (a *JobArray) Failed() []*Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Job(nil), a.failed...)
}

// Submit runs every queued job, at most limit at a time (limit <= 0 means
// no bound), and waits for all of them. A job exiting non-zero does not stop
// the others; an executor failure does.
func (a *JobArray) Submit(ctx context.Context, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, job := range a.jobs {
		job := job
		g.Go(func() error {
			err := a.Executor.Submit(gctx, job)
			var exitErr *ExitError
			switch {
			case err == nil:
				a.mu.Lock()
				a.complete = append(a.complete, job)
				a.mu.Unlock()
				return nil
			case errors.As(err, &exitErr):
				a.Logger.Error("job failed", zap.String("job", job.Name), zap.Int("returnCode", exitErr.Code))
				a.mu.Lock()
				a.failed = append(a.failed, job)
				a.mu.Unlock()
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := len(a.Failed())
	a.Logger.Info("jobs completed",
		zap.Int("complete", len(a.Complete())),
		zap.Int("total", len(a.jobs)))
	if failed > 0 {
		return fmt.Errorf("%d/%d jobs failed", failed, len(a.jobs))
	}
	return nil
}
