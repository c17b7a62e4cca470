package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/export"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/strategy"
)

// MaxTopMatches bounds TopMatches results.
const MaxTopMatches = 50

// CatalogSnapshots is the index source the engine can also refresh.
type CatalogSnapshots interface {
	IndexSource
	Refresh(ctx context.Context) (*catalog.Index, error)
}

// EventSource serves per-job events and retained logs.
type EventSource interface {
	Subscribe(jobID uuid.UUID) (<-chan models.JobEvent, func())
	Logs(jobID uuid.UUID) []models.JobLog
}

// CatalogMatch is one lexical preview hit.
type CatalogMatch struct {
	Item       models.PriceItem `json:"item"`
	Score      int              `json:"score"`
	Confidence float64          `json:"confidence"`
}

// MethodSource is a StrategySource that can also list its configured methods.
type MethodSource interface {
	StrategySource
	Available() []models.MatchingMethod
}

// MethodInfo describes a matching method this deployment can run. Members lists the
// methods a hybrid combines.
type MethodInfo struct {
	Method  models.MatchingMethod   `json:"method"`
	Members []models.MatchingMethod `json:"members,omitempty"`
}

// CatalogInfo describes a published catalog snapshot.
type CatalogInfo struct {
	Version uint64    `json:"version"`
	Items   int       `json:"items"`
	BuiltAt time.Time `json:"built_at"`
}

// EngineDeps wires an Engine.
type EngineDeps struct {
	Store        Store
	Snapshots    CatalogSnapshots
	Strategies   MethodSource
	Orchestrator *Orchestrator
	Runner       *Runner
	Dispatcher   Dispatcher
	Events       EventSource
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine is the public surface of the matching engine.
type Engine struct {
	store        Store
	snapshots    CatalogSnapshots
	strategies   MethodSource
	orchestrator *Orchestrator
	runner       *Runner
	dispatcher   Dispatcher
	events       EventSource
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		store:        deps.Store,
		snapshots:    deps.Snapshots,
		strategies:   deps.Strategies,
		orchestrator: deps.Orchestrator,
		runner:       deps.Runner,
		dispatcher:   deps.Dispatcher,
		events:       deps.Events,
		logger:       deps.Logger,
		now:          deps.Now,
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// CreateJob stores a pending job holding rows. Rows are validated when the job runs.
func (e *Engine) CreateJob(ctx context.Context, rows []models.BOQRow, method models.MatchingMethod) (*models.MatchingJob, error) {
	if len(rows) == 0 {
		return nil, apperrors.NewValidationError("rows", "at least one row is required")
	}

	if _, err := e.strategies.Get(method); err != nil {
		return nil, err
	}

	job := models.NewMatchingJob(uuid.Must(uuid.NewV7()), method, e.now())

	stored, err := e.store.CreateJob(ctx, job, rows)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "engine: job created", "job_id", stored.ID, "rows", len(rows))

	return stored, nil
}

// StartJob validates method, records it on the pending job and dispatches the job.
func (e *Engine) StartJob(ctx context.Context, jobID uuid.UUID, method models.MatchingMethod) (*models.MatchingJob, error) {
	if _, err := e.strategies.Get(method); err != nil {
		return nil, err
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if e.runner != nil && e.runner.Running(jobID) != nil {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is already running", jobID))
	}

	next, err := job.WithMethod(method, e.now())
	if err != nil {
		return nil, err
	}

	stored, err := e.store.SaveJob(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	if err := e.dispatcher.Dispatch(ctx, jobID); err != nil {
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	e.logger.InfoContext(ctx, "engine: job started", "job_id", jobID, "method", method)

	return stored, nil
}

// StopJob requests a stop. Rows already dispatched finish; no new rows start.
func (e *Engine) StopJob(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	job, err := e.store.RequestStop(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if e.runner != nil {
		e.runner.Stop(jobID)
	}

	e.logger.InfoContext(ctx, "engine: stop requested", "job_id", jobID, "status", job.Status)

	return job, nil
}

// StopAllJobs requests a stop for every non-terminal job and returns how many were flagged.
func (e *Engine) StopAllJobs(ctx context.Context) (int, error) {
	jobs, err := e.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return 0, err
	}

	stopped := 0

	for _, job := range jobs {
		if _, err := e.StopJob(ctx, job.ID); err != nil {
			// finished between listing and stopping
			if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
				continue
			}

			return stopped, err
		}

		stopped++
	}

	return stopped, nil
}

// GetJobStatus returns the current job snapshot.
func (e *Engine) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	return e.store.GetJob(ctx, jobID)
}

// GetResults returns the job's results ordered by row number, narrowed by filters.
func (e *Engine) GetResults(ctx context.Context, jobID uuid.UUID, filters models.ListResultsFilters) ([]models.MatchResult, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	results, err := e.store.ListResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(a, b int) bool { return results[a].RowNumber < results[b].RowNumber })

	out := results[:0]

	for i := range results {
		if filters.Matches(&results[i]) {
			out = append(out, results[i])
		}
	}

	return out, nil
}

// ApplyManualMatch overrides one result with a user-chosen item or price.
func (e *Engine) ApplyManualMatch(ctx context.Context, resultID uuid.UUID, m models.ManualMatch) (*models.MatchResult, error) {
	result, err := e.editableResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	if m.ItemID != nil {
		if err := e.fillFromCatalog(ctx, &m); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(m.Description) == "" {
		return nil, apperrors.NewValidationError("description", "description is required")
	}

	if m.Rate == nil {
		return nil, apperrors.NewValidationError("rate", "rate is required unless item_id is given")
	}

	updated := result.ApplyManualMatch(m, e.now())
	if err := e.store.UpdateResult(ctx, &updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

// fillFromCatalog completes a manual match that names a catalog item.
func (e *Engine) fillFromCatalog(ctx context.Context, m *models.ManualMatch) error {
	idx, err := e.snapshots.Current(ctx)
	if err != nil {
		return err
	}

	entry, ok := idx.Lookup(*m.ItemID)
	if !ok {
		return apperrors.NewNotFoundError("price item", fmt.Sprintf("price item %s not found", *m.ItemID))
	}

	item := entry.Item
	if m.Description == "" {
		m.Description = item.Description
	}

	if m.Code == nil {
		m.Code = item.Code
	}

	if m.Unit == nil {
		unit := item.Unit
		m.Unit = &unit
	}

	if m.Rate == nil {
		rate := item.Rate
		m.Rate = &rate
	}

	return nil
}

// RematchRow resolves one result again with method, replacing any manual edit.
func (e *Engine) RematchRow(ctx context.Context, resultID uuid.UUID, method models.MatchingMethod) (*models.MatchResult, error) {
	result, err := e.editableResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	idx, err := e.snapshots.Current(ctx)
	if err != nil {
		return nil, err
	}

	row := models.BOQRow{
		JobID:               result.JobID,
		RowNumber:           result.RowNumber,
		OriginalDescription: result.OriginalDescription,
		OriginalQuantity:    result.OriginalQuantity,
		OriginalUnit:        result.OriginalUnit,
		OriginalRowData:     result.OriginalRowData,
		ContextHeaders:      result.ContextHeaders,
	}

	res, err := e.orchestrator.Resolve(ctx, &row, idx, method)
	if err != nil {
		return nil, err
	}

	updated := result.ApplyRematch(res.Result, e.now())
	if err := e.store.UpdateResult(ctx, &updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

// editableResult loads a result whose job is no longer writing results.
func (e *Engine) editableResult(ctx context.Context, resultID uuid.UUID) (*models.MatchResult, error) {
	result, err := e.store.GetResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	job, err := e.store.GetJob(ctx, result.JobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.IsTerminal() {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s is still %s, results cannot be edited yet", job.ID, job.Status))
	}

	return result, nil
}

// TestMatch resolves a free-text description without persisting anything.
func (e *Engine) TestMatch(ctx context.Context, description string, unit *string, method models.MatchingMethod) (*models.MatchResult, error) {
	idx, err := e.snapshots.Current(ctx)
	if err != nil {
		return nil, err
	}

	qty := 1.0
	row := models.BOQRow{RowNumber: 1, OriginalDescription: description, OriginalQuantity: &qty, OriginalUnit: unit}

	res, err := e.orchestrator.Resolve(ctx, &row, idx, method)
	if err != nil {
		return nil, err
	}

	return &res.Result, nil
}

// TopMatches lists up to k catalog items ranked lexically for description.
func (e *Engine) TopMatches(ctx context.Context, description string, k int) ([]CatalogMatch, error) {
	if k <= 0 || k > MaxTopMatches {
		k = MaxTopMatches
	}

	idx, err := e.snapshots.Current(ctx)
	if err != nil {
		return nil, err
	}

	hits := idx.LexicalCandidates(description, k)
	out := make([]CatalogMatch, len(hits))

	for i, h := range hits {
		out[i] = CatalogMatch{
			Item:       h.Entry.Item,
			Score:      h.Score,
			Confidence: float64(h.Score) / float64(idx.MaxLexicalScore()),
		}
	}

	return out, nil
}

// Methods lists the matching methods the configured providers can serve.
func (e *Engine) Methods() []MethodInfo {
	available := e.strategies.Available()
	out := make([]MethodInfo, 0, len(available))

	for _, m := range available {
		info := MethodInfo{Method: m}

		if s, err := e.strategies.Get(m); err == nil {
			if h, ok := s.(interface{ Members() []strategy.Strategy }); ok {
				for _, member := range h.Members() {
					info.Members = append(info.Members, member.Method())
				}
			}
		}

		out = append(out, info)
	}

	return out
}

// RefreshCatalog rebuilds the catalog snapshot. Running jobs keep theirs.
func (e *Engine) RefreshCatalog(ctx context.Context) (*CatalogInfo, error) {
	idx, err := e.snapshots.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "engine: catalog refreshed", "version", idx.Version(), "items", idx.Len())

	return &CatalogInfo{Version: idx.Version(), Items: idx.Len(), BuiltAt: idx.BuiltAt()}, nil
}

// Subscribe streams the job's events until the returned cancel function is called.
func (e *Engine) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.JobEvent, func(), error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, nil, err
	}

	events, cancel := e.events.Subscribe(jobID)

	return events, cancel, nil
}

// Logs returns the retained log lines of a job.
func (e *Engine) Logs(ctx context.Context, jobID uuid.UUID) ([]models.JobLog, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	return e.events.Logs(jobID), nil
}

// ExportResultsXLSX writes the job's results as a workbook.
func (e *Engine) ExportResultsXLSX(ctx context.Context, jobID uuid.UUID, w io.Writer) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	results, err := e.GetResults(ctx, jobID, models.ListResultsFilters{})
	if err != nil {
		return err
	}

	return export.WriteResultsXLSX(w, *job, results)
}

// RecoverInterrupted fails jobs left in parsing or matching by a previous process.
// Only safe when this process is the sole executor of jobs.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := e.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, job := range jobs {
		if job.Status != models.JobStatusParsing && job.Status != models.JobStatusMatching {
			continue
		}

		if e.runner != nil && e.runner.Running(job.ID) != nil {
			continue
		}

		next, err := job.Fail("job was interrupted by a restart", e.now())
		if err != nil {
			return recovered, err
		}

		if _, err := e.store.SaveJob(ctx, next); err != nil {
			return recovered, fmt.Errorf("save job: %w", err)
		}

		recovered++
	}

	if recovered > 0 {
		e.logger.WarnContext(ctx, "engine: failed interrupted jobs", "count", recovered)
	}

	return recovered, nil
}
