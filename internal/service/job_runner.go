package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
)

// Runner defaults.
const (
	DefaultRowConcurrency          = 6
	DefaultPermanentFailureLimit   = 3
	DefaultConsecutiveFailureLimit = 10
)

// EventPublisher receives job progress snapshots and log lines.
type EventPublisher interface {
	PublishProgress(ctx context.Context, job models.MatchingJob)
	Log(ctx context.Context, jobID uuid.UUID, level models.LogLevel, message string)
}

// IndexSource hands out catalog index snapshots.
type IndexSource interface {
	Current(ctx context.Context) (*catalog.Index, error)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	RowConcurrency          int
	PermanentFailureLimit   int
	ConsecutiveFailureLimit int
	Metrics                 observability.EngineMetrics
	Logger                  *slog.Logger
	Now                     func() time.Time
}

// jobState is the in-process control block of one running job.
type jobState struct {
	stop atomic.Bool
	done chan struct{}
}

// Runner drives jobs through pending → parsing → matching → completed, or failed/cancelled.
type Runner struct {
	store        Store
	index        IndexSource
	orchestrator *Orchestrator
	events       EventPublisher
	opts         RunnerOptions
	logger       *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*jobState
}

// NewRunner creates a Runner. events may be nil.
func NewRunner(store Store, index IndexSource, orchestrator *Orchestrator, events EventPublisher, opts RunnerOptions) *Runner {
	if opts.RowConcurrency <= 0 {
		opts.RowConcurrency = DefaultRowConcurrency
	}

	if opts.PermanentFailureLimit <= 0 {
		opts.PermanentFailureLimit = DefaultPermanentFailureLimit
	}

	if opts.ConsecutiveFailureLimit <= 0 {
		opts.ConsecutiveFailureLimit = DefaultConsecutiveFailureLimit
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:        store,
		index:        index,
		orchestrator: orchestrator,
		events:       events,
		opts:         opts,
		logger:       logger,
		active:       make(map[uuid.UUID]*jobState),
	}
}

// Stop asks a job running in this process to stop dispatching rows. It reports whether the
// job was running here.
func (r *Runner) Stop(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.active[jobID]
	if ok {
		st.stop.Store(true)
	}

	return ok
}

// Running returns a channel closed when the job finishes, or nil when it is not running here.
func (r *Runner) Running(jobID uuid.UUID) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.active[jobID]; ok {
		return st.done
	}

	return nil
}

func (r *Runner) register(jobID uuid.UUID) (*jobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[jobID]; ok {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is already running", jobID))
	}

	st := &jobState{done: make(chan struct{})}
	r.active[jobID] = st

	return st, nil
}

func (r *Runner) unregister(jobID uuid.UUID, st *jobState) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()

	close(st.done)
}

// Run processes a job to a terminal state. Job-level failures are recorded on the job and
// are not returned; the error is only for store failures that prevent recording them.
// Cancelling ctx cancels the job.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	st, err := r.register(jobID)
	if err != nil {
		return err
	}
	defer r.unregister(jobID, st)

	ctx = observability.WithJobID(ctx, jobID.String())

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	switch job.Status {
	case models.JobStatusPending:
	case models.JobStatusParsing, models.JobStatusMatching:
		// a previous run died mid-flight; its partial results stay
		return r.finish(ctx, *job, errors.New("job was interrupted before completion"), nil)
	default:
		r.logger.InfoContext(ctx, "runner: job already finished", "status", job.Status)

		return nil
	}

	run := &jobRun{Runner: r, state: st, job: *job}

	return run.execute(ctx)
}

// jobRun holds the mutable state of one execution. Only the goroutine calling execute
// touches job and the counters.
type jobRun struct {
	*Runner

	state *jobState
	job   models.MatchingJob
	index *catalog.Index
	rows  []models.BOQRow

	total       float64
	matched     int
	headers     int
	failures    int
	permanent   int
	consecutive int
	lastFailure string
	escalated   error
	fatal       error
}

func (j *jobRun) execute(ctx context.Context) error {
	start := j.opts.Now()

	next, err := j.job.BeginParsing(start)
	if err != nil {
		return err
	}

	if err := j.save(ctx, next); err != nil {
		return err
	}

	j.log(ctx, models.LogLevelInfo, "Parsing rows")

	if j.job.StopRequested || j.state.stop.Load() || ctx.Err() != nil {
		return j.cancel(ctx)
	}

	if err := j.parse(ctx); err != nil {
		return j.finish(ctx, j.job, err, nil)
	}

	next, err = j.job.BeginMatching(len(j.rows), j.opts.Now())
	if err != nil {
		return j.finish(ctx, j.job, err, nil)
	}

	if err := j.save(ctx, next); err != nil {
		return err
	}

	j.log(ctx, models.LogLevelInfo, fmt.Sprintf("Matching %d rows with %s (catalog version %d, %d items)",
		len(j.rows), j.job.MatchingMethod, j.index.Version(), j.index.Len()))

	halted := j.match(ctx)

	switch {
	case j.fatal != nil:
		return j.finish(ctx, j.job, j.fatal, nil)
	case j.escalated != nil:
		return j.finish(ctx, j.job, j.escalated, nil)
	case halted:
		return j.cancel(ctx)
	}

	j.log(ctx, models.LogLevelInfo, j.summary())

	total := j.total

	return j.finish(ctx, j.job, nil, &total)
}

func (j *jobRun) parse(ctx context.Context) error {
	rows, err := j.store.LoadJobRows(ctx, j.job.ID)
	if err != nil {
		return fmt.Errorf("load rows: %w", err)
	}

	if len(rows) == 0 {
		return ErrEmptyRowSet
	}

	sort.SliceStable(rows, func(a, b int) bool { return rows[a].RowNumber < rows[b].RowNumber })

	for i := range rows {
		if rows[i].RowNumber <= 0 {
			return fmt.Errorf("%w: row number %d is not positive", ErrMalformedRows, rows[i].RowNumber)
		}

		if i > 0 && rows[i].RowNumber == rows[i-1].RowNumber {
			return fmt.Errorf("%w: duplicate row number %d", ErrMalformedRows, rows[i].RowNumber)
		}

		rows[i].JobID = j.job.ID
	}

	models.AssignContextHeaders(rows)

	idx, err := j.Runner.index.Current(ctx)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	j.rows = rows
	j.index = idx

	return nil
}

type rowOutcome struct {
	row *models.BOQRow
	res Resolution
	err error
}

// match dispatches rows in ascending order to a bounded pool and collects results on the
// calling goroutine. It reports whether dispatch stopped before every row was sent.
func (j *jobRun) match(ctx context.Context) bool {
	outcomes := make(chan rowOutcome, j.opts.RowConcurrency)

	var halt atomic.Bool

	dispatched := 0
	method := j.job.MatchingMethod
	idx := j.index

	go func() {
		var g errgroup.Group

		slots := make(chan struct{}, j.opts.RowConcurrency)

		for i := range j.rows {
			// stop is checked after a slot frees up so a stop issued while waiting is honored
			slots <- struct{}{}

			if halt.Load() || j.state.stop.Load() || ctx.Err() != nil {
				break
			}

			row := &j.rows[i]
			dispatched++

			g.Go(func() error {
				defer func() { <-slots }()

				res, err := j.orchestrator.Resolve(ctx, row, idx, method)
				outcomes <- rowOutcome{row: row, res: res, err: err}

				return nil
			})
		}

		_ = g.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		if !j.collect(ctx, out) {
			halt.Store(true)
		}
	}

	// dispatched is final once outcomes is closed; rows dropped on cancellation are not collected
	return dispatched < len(j.rows) || j.job.MatchedCount < len(j.rows)
}

// collect persists one outcome and advances the job. It returns false when dispatch must halt.
func (j *jobRun) collect(ctx context.Context, out rowOutcome) bool {
	if j.fatal != nil || j.escalated != nil {
		return false
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return false
		}

		j.fatal = fmt.Errorf("row %d: %w", out.row.RowNumber, out.err)

		return false
	}

	now := j.opts.Now()
	result := out.res.Result
	result.ID = uuid.Must(uuid.NewV7())
	result.JobID = j.job.ID
	result.CreatedAt = now
	result.UpdatedAt = now

	if err := j.store.SaveResult(context.WithoutCancel(ctx), &result); err != nil {
		j.fatal = fmt.Errorf("save result for row %d: %w", result.RowNumber, err)

		return false
	}

	j.account(ctx, out.row, out.res, &result)

	next, err := j.job.AdvanceProgress(j.job.MatchedCount+1,
		fmt.Sprintf("Matched %d of %d rows", j.job.MatchedCount+1, j.job.ItemCount), now)
	if err != nil {
		j.fatal = err

		return false
	}

	if err := j.save(ctx, next); err != nil {
		j.fatal = err

		return false
	}

	if j.job.StopRequested {
		j.state.stop.Store(true)
	}

	return j.escalated == nil
}

func (j *jobRun) account(ctx context.Context, row *models.BOQRow, res Resolution, result *models.MatchResult) {
	switch {
	case res.Outcome == OutcomeContext:
		j.headers++

		return
	case result.TotalPrice != nil:
		j.total += *result.TotalPrice
	}

	if result.HasMatch() {
		j.matched++
	}

	if !res.Degraded {
		j.consecutive = 0

		if result.HasMatch() {
			j.log(ctx, models.LogLevelInfo, fmt.Sprintf("Row %d matched %q (%.2f)",
				row.RowNumber, derefString(result.MatchedDescription), result.Confidence))
		}

		return
	}

	j.failures++
	j.lastFailure = res.Warning
	j.log(ctx, models.LogLevelWarning, fmt.Sprintf("Row %d: %s", row.RowNumber, res.Warning))

	if result.HasMatch() {
		j.consecutive = 0

		return
	}

	j.consecutive++

	if res.PermanentFailure {
		j.permanent++
	}

	switch {
	case j.permanent >= j.opts.PermanentFailureLimit:
		j.escalated = fmt.Errorf("stopped after %d rows failed with permanent provider errors; last: %s",
			j.permanent, j.lastFailure)
	case j.consecutive >= j.opts.ConsecutiveFailureLimit:
		j.escalated = fmt.Errorf("stopped after %d consecutive rows failed; last: %s",
			j.consecutive, j.lastFailure)
	}
}

func (j *jobRun) summary() string {
	items := len(j.rows) - j.headers
	rate := 0.0

	if items > 0 {
		rate = float64(j.matched) * 100 / float64(items)
	}

	return fmt.Sprintf("Matching completed: %d of %d items matched (%.1f%%), %d headers, %d failures",
		j.matched, items, rate, j.headers, j.failures)
}

func (j *jobRun) cancel(ctx context.Context) error {
	next, err := j.job.Cancel(j.opts.Now())
	if err != nil {
		return err
	}

	if err := j.save(ctx, next); err != nil {
		return err
	}

	j.log(ctx, models.LogLevelWarning, fmt.Sprintf("Job cancelled after %d of %d rows", j.job.MatchedCount, j.job.ItemCount))
	j.recordFinished(ctx)

	return nil
}

// save persists next and adopts the stored snapshot.
func (j *jobRun) save(ctx context.Context, next models.MatchingJob) error {
	stored, err := j.store.SaveJob(context.WithoutCancel(ctx), next)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}

	j.job = *stored

	if j.events != nil {
		j.events.PublishProgress(ctx, j.job)
	}

	return nil
}

func (j *jobRun) log(ctx context.Context, level models.LogLevel, message string) {
	j.Runner.log(ctx, j.job.ID, level, message)
}

func (j *jobRun) recordFinished(ctx context.Context) {
	j.Runner.recordFinished(ctx, j.job)
}

// finish moves job to completed (cause nil) or failed.
func (r *Runner) finish(ctx context.Context, job models.MatchingJob, cause error, total *float64) error {
	now := r.opts.Now()

	var (
		next models.MatchingJob
		err  error
	)

	if cause == nil {
		next, err = job.Complete(*total, now)
	} else {
		next, err = job.Fail(cause.Error(), now)
	}

	if err != nil {
		return err
	}

	stored, err := r.store.SaveJob(context.WithoutCancel(ctx), next)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}

	// log before the terminal snapshot, which ends event streams
	if cause != nil {
		r.logger.ErrorContext(ctx, "runner: job failed", "error", cause)
		r.log(ctx, job.ID, models.LogLevelError, "Job failed: "+cause.Error())
	} else {
		r.logger.InfoContext(ctx, "runner: job completed", "rows", stored.ItemCount, "total_value", *total)
	}

	if r.events != nil {
		r.events.PublishProgress(ctx, *stored)
	}

	r.recordFinished(ctx, *stored)

	return nil
}

func (r *Runner) log(ctx context.Context, jobID uuid.UUID, level models.LogLevel, message string) {
	if r.events != nil {
		r.events.Log(ctx, jobID, level, message)
	}
}

func (r *Runner) recordFinished(ctx context.Context, job models.MatchingJob) {
	if r.opts.Metrics == nil || job.StartedAt == nil {
		return
	}

	r.opts.Metrics.RecordJobFinished(ctx, string(job.Status), r.opts.Now().Sub(*job.StartedAt))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
