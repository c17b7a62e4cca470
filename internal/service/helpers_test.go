package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/repository"
	"github.com/boqpro/pricematch/internal/strategy"
)

func ptr[T any](v T) *T { return &v }

type matchFunc func(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error)

type funcStrategy struct {
	method models.MatchingMethod
	match  matchFunc
}

func (s funcStrategy) Method() models.MatchingMethod { return s.method }

func (s funcStrategy) Match(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error) {
	return s.match(ctx, row, idx)
}

// strategySet serves fixed strategies; LOCAL is always the real lexical strategy.
type strategySet map[models.MatchingMethod]strategy.Strategy

func (s strategySet) Get(m models.MatchingMethod) (strategy.Strategy, error) {
	if m == models.MethodLocal {
		return strategy.Lexical{}, nil
	}

	if st, ok := s[m]; ok {
		return st, nil
	}

	return nil, apperrors.NewValidationError("method", fmt.Sprintf("matching method %s is not configured", m))
}

func (s strategySet) Available() []models.MatchingMethod {
	out := []models.MatchingMethod{models.MethodLocal}

	for _, m := range models.StrategyMethods() {
		if _, ok := s[m]; ok && m != models.MethodLocal {
			out = append(out, m)
		}
	}

	return out
}

// recordingEvents captures every published snapshot and log line.
type recordingEvents struct {
	mu        sync.Mutex
	snapshots []models.MatchingJob
	logs      []models.JobLog
}

func (r *recordingEvents) PublishProgress(_ context.Context, job models.MatchingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, job)
}

func (r *recordingEvents) Log(_ context.Context, _ uuid.UUID, level models.LogLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, models.JobLog{Level: level, Message: message})
}

func (r *recordingEvents) Subscribe(uuid.UUID) (<-chan models.JobEvent, func()) {
	ch := make(chan models.JobEvent)

	return ch, func() {}
}

func (r *recordingEvents) Logs(uuid.UUID) []models.JobLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.JobLog(nil), r.logs...)
}

func (r *recordingEvents) logsAt(level models.LogLevel) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string

	for _, l := range r.logs {
		if l.Level == level {
			out = append(out, l.Message)
		}
	}

	return out
}

func priceItem(desc, unit string, rate float64) models.PriceItem {
	return models.PriceItem{ID: uuid.New(), Description: desc, Unit: unit, Rate: rate, IsActive: true}
}

func itemRow(n int, desc string, qty float64) models.BOQRow {
	return models.BOQRow{RowNumber: n, OriginalDescription: desc, OriginalQuantity: &qty}
}

func headerRow(n int, desc string) models.BOQRow {
	return models.BOQRow{RowNumber: n, OriginalDescription: desc}
}

type fixture struct {
	store        *repository.MemoryStore
	snapshots    *catalog.Snapshots
	orchestrator *Orchestrator
	runner       *Runner
	events       *recordingEvents
}

type fixtureOptions struct {
	strategies strategySet
	orch       OrchestratorOptions
	runner     RunnerOptions
	noFallback bool
}

func newFixture(t *testing.T, items []models.PriceItem, opts fixtureOptions) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertPriceItems(context.Background(), items...))

	if opts.orch.InitialInterval == 0 {
		opts.orch.InitialInterval = time.Millisecond
	}

	if opts.orch.FallbackMethod == "" && !opts.noFallback {
		opts.orch.FallbackMethod = models.MethodLocal
	}

	if opts.orch.LowConfidenceThreshold == 0 {
		opts.orch.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}

	if opts.strategies == nil {
		opts.strategies = strategySet{}
	}

	events := &recordingEvents{}
	snapshots := catalog.NewSnapshots(store, catalog.DefaultLexicalTiers(), nil)
	orch := NewOrchestrator(opts.strategies, opts.orch)

	return &fixture{
		store:        store,
		snapshots:    snapshots,
		orchestrator: orch,
		runner:       NewRunner(store, snapshots, orch, events, opts.runner),
		events:       events,
	}
}

func (f *fixture) createJob(t *testing.T, method models.MatchingMethod, rows ...models.BOQRow) uuid.UUID {
	t.Helper()

	job := models.NewMatchingJob(uuid.New(), method, time.Now())
	_, err := f.store.CreateJob(context.Background(), job, rows)
	require.NoError(t, err)

	return job.ID
}

func (f *fixture) run(t *testing.T, jobID uuid.UUID) *models.MatchingJob {
	t.Helper()

	require.NoError(t, f.runner.Run(context.Background(), jobID))

	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)

	return job
}

func (f *fixture) results(t *testing.T, jobID uuid.UUID) []models.MatchResult {
	t.Helper()

	results, err := f.store.ListResults(context.Background(), jobID)
	require.NoError(t, err)

	return results
}
