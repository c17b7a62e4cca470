package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Dispatcher hands a started job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// InProcessDispatcher runs jobs on goroutines of this process, at most maxConcurrent at once.
// Jobs beyond the limit wait for a free slot.
type InProcessDispatcher struct {
	runner *Runner
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewInProcessDispatcher creates a dispatcher. Shutdown cancels running jobs.
func NewInProcessDispatcher(runner *Runner, maxConcurrent int, logger *slog.Logger) *InProcessDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &InProcessDispatcher{
		runner: runner,
		slots:  make(chan struct{}, maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Dispatch implements Dispatcher. It returns immediately.
func (d *InProcessDispatcher) Dispatch(_ context.Context, jobID uuid.UUID) error {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		select {
		case d.slots <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.slots }()

		if err := d.runner.Run(d.ctx, jobID); err != nil {
			d.logger.Error("dispatcher: job run failed", "job_id", jobID, "error", err)
		}
	}()

	return nil
}

// Shutdown cancels running jobs and waits for them to record their final state.
func (d *InProcessDispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}
