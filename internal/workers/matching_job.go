package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// jobRunner is the part of service.Runner the worker needs.
type jobRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// MatchingJobWorker executes matching jobs dispatched through River.
type MatchingJobWorker struct {
	river.WorkerDefaults[MatchingJobArgs]

	runner jobRunner
}

// NewMatchingJobWorker creates a worker around runner.
func NewMatchingJobWorker(runner jobRunner) *MatchingJobWorker {
	return &MatchingJobWorker{runner: runner}
}

// Timeout disables River's job timeout; a matching job runs until its rows are done or it is stopped.
func (w *MatchingJobWorker) Timeout(*river.Job[MatchingJobArgs]) time.Duration {
	return -1
}

// Work runs the job. Row and job failures are recorded on the job itself, so only store
// failures are returned to River.
func (w *MatchingJobWorker) Work(ctx context.Context, job *river.Job[MatchingJobArgs]) error {
	slog.InfoContext(ctx, "workers: matching job picked up",
		"job_id", job.Args.JobID,
		"attempt", job.Attempt,
	)

	return w.runner.Run(ctx, job.Args.JobID)
}
