package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
)

// MemoryStore keeps everything in process memory. It backs tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	items   []models.PriceItem
	itemPos map[uuid.UUID]int
	jobs    map[uuid.UUID]models.MatchingJob
	rows    map[uuid.UUID][]models.BOQRow
	results map[uuid.UUID]models.MatchResult
	byJob   map[uuid.UUID][]uuid.UUID
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		itemPos: make(map[uuid.UUID]int),
		jobs:    make(map[uuid.UUID]models.MatchingJob),
		rows:    make(map[uuid.UUID][]models.BOQRow),
		results: make(map[uuid.UUID]models.MatchResult),
		byJob:   make(map[uuid.UUID][]uuid.UUID),
		now:     time.Now,
	}
}

// UpsertPriceItems adds or replaces catalog items, keeping first-insertion order.
func (s *MemoryStore) UpsertPriceItems(_ context.Context, items ...models.PriceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.Must(uuid.NewV7())
		}

		if pos, ok := s.itemPos[it.ID]; ok {
			s.items[pos] = it

			continue
		}

		s.itemPos[it.ID] = len(s.items)
		s.items = append(s.items, it)
	}

	return nil
}

// ListActiveCatalogItems returns active items in insertion order.
func (s *MemoryStore) ListActiveCatalogItems(_ context.Context) ([]models.PriceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PriceItem, 0, len(s.items))

	for _, it := range s.items {
		if it.IsActive {
			out = append(out, it)
		}
	}

	return out, nil
}

// ItemsMissingEmbedding returns active items without an embedding from provider.
func (s *MemoryStore) ItemsMissingEmbedding(_ context.Context, provider string, limit int) ([]models.PriceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PriceItem

	for _, it := range s.items {
		if !it.IsActive || it.HasEmbeddingFor(provider) {
			continue
		}

		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

// GetPriceItem returns one item.
func (s *MemoryStore) GetPriceItem(_ context.Context, id uuid.UUID) (*models.PriceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.itemPos[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("price item", "price item not found")
	}

	it := s.items[pos]

	return &it, nil
}

// SetItemEmbedding stores the catalog vector of an item for provider.
func (s *MemoryStore) SetItemEmbedding(_ context.Context, id uuid.UUID, provider string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.itemPos[id]
	if !ok {
		return apperrors.NewNotFoundError("price item", "price item not found")
	}

	now := s.now()
	it := &s.items[pos]
	it.Embedding = append([]float32(nil), embedding...)
	it.EmbeddingProvider = &provider
	it.EmbeddedAt = &now
	it.UpdatedAt = now

	return nil
}

// CreateJob stores a pending job with its rows.
func (s *MemoryStore) CreateJob(_ context.Context, job models.MatchingJob, rows []models.BOQRow) (*models.MatchingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s already exists", job.ID))
	}

	copied := make([]models.BOQRow, len(rows))
	for i, r := range rows {
		r.JobID = job.ID
		copied[i] = r
	}

	s.jobs[job.ID] = job
	s.rows[job.ID] = copied

	return &job, nil
}

// LoadJobRows returns a copy of the job's rows in stored order.
func (s *MemoryStore) LoadJobRows(_ context.Context, jobID uuid.UUID) ([]models.BOQRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, apperrors.NewNotFoundError("job", "job not found")
	}

	rows := s.rows[jobID]
	out := make([]models.BOQRow, len(rows))
	copy(out, rows)

	return out, nil
}

// GetJob returns the stored job snapshot.
func (s *MemoryStore) GetJob(_ context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", "job not found")
	}

	return &job, nil
}

// SaveJob stores job. A stop flag already in the store is kept.
func (s *MemoryStore) SaveJob(_ context.Context, job models.MatchingJob) (*models.MatchingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[job.ID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", "job not found")
	}

	job.StopRequested = job.StopRequested || prev.StopRequested
	s.jobs[job.ID] = job

	return &job, nil
}

// ListNonTerminalJobs returns pending, parsing and matching jobs ordered by creation.
func (s *MemoryStore) ListNonTerminalJobs(_ context.Context) ([]models.MatchingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MatchingJob

	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			out = append(out, job)
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })

	return out, nil
}

// RequestStop flags a non-terminal job.
func (s *MemoryStore) RequestStop(_ context.Context, jobID uuid.UUID) (*models.MatchingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", "job not found")
	}

	next, err := job.RequestStop(s.now())
	if err != nil {
		return nil, err
	}

	s.jobs[jobID] = next

	return &next, nil
}

// SaveResult inserts a result. A second result for the same row is a conflict.
func (s *MemoryStore) SaveResult(_ context.Context, result *models.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byJob[result.JobID] {
		if s.results[id].RowNumber == result.RowNumber {
			return apperrors.NewConflictError(fmt.Sprintf("row %d of job %s already has a result", result.RowNumber, result.JobID))
		}
	}

	s.results[result.ID] = *result
	s.byJob[result.JobID] = append(s.byJob[result.JobID], result.ID)

	return nil
}

// ListResults returns the job's results ordered by row number.
func (s *MemoryStore) ListResults(_ context.Context, jobID uuid.UUID) ([]models.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byJob[jobID]
	out := make([]models.MatchResult, 0, len(ids))

	for _, id := range ids {
		out = append(out, s.results[id])
	}

	sort.Slice(out, func(a, b int) bool { return out[a].RowNumber < out[b].RowNumber })

	return out, nil
}

// GetResult returns one result.
func (s *MemoryStore) GetResult(_ context.Context, resultID uuid.UUID) (*models.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[resultID]
	if !ok {
		return nil, apperrors.NewNotFoundError("match result", "match result not found")
	}

	return &r, nil
}

// UpdateResult replaces an existing result.
func (s *MemoryStore) UpdateResult(_ context.Context, result *models.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[result.ID]; !ok {
		return apperrors.NewNotFoundError("match result", "match result not found")
	}

	s.results[result.ID] = *result

	return nil
}
