package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
)

// engineStore is the method set shared by MemoryStore and PostgresStore.
type engineStore interface {
	UpsertPriceItems(ctx context.Context, items ...models.PriceItem) error
	ListActiveCatalogItems(ctx context.Context) ([]models.PriceItem, error)
	ItemsMissingEmbedding(ctx context.Context, provider string, limit int) ([]models.PriceItem, error)
	GetPriceItem(ctx context.Context, id uuid.UUID) (*models.PriceItem, error)
	SetItemEmbedding(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error

	CreateJob(ctx context.Context, job models.MatchingJob, rows []models.BOQRow) (*models.MatchingJob, error)
	LoadJobRows(ctx context.Context, jobID uuid.UUID) ([]models.BOQRow, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)
	SaveJob(ctx context.Context, job models.MatchingJob) (*models.MatchingJob, error)
	ListNonTerminalJobs(ctx context.Context) ([]models.MatchingJob, error)
	RequestStop(ctx context.Context, jobID uuid.UUID) (*models.MatchingJob, error)

	SaveResult(ctx context.Context, result *models.MatchResult) error
	ListResults(ctx context.Context, jobID uuid.UUID) ([]models.MatchResult, error)
	GetResult(ctx context.Context, resultID uuid.UUID) (*models.MatchResult, error)
	UpdateResult(ctx context.Context, result *models.MatchResult) error
}

func ptr[T any](v T) *T { return &v }

func testItem(desc string, active bool) models.PriceItem {
	return models.PriceItem{
		ID:          uuid.Must(uuid.NewV7()),
		Description: desc,
		Unit:        "m2",
		Rate:        10,
		Keywords:    []string{"walls"},
		IsActive:    active,
	}
}

func runStoreContract(t *testing.T, s engineStore) {
	t.Helper()

	t.Run("catalog", func(t *testing.T) { testCatalogContract(t, s) })
	t.Run("jobs", func(t *testing.T) { testJobsContract(t, s) })
	t.Run("results", func(t *testing.T) { testResultsContract(t, s) })
}

func testCatalogContract(t *testing.T, s engineStore) {
	ctx := context.Background()

	a := testItem("Blockwork 100mm", true)
	b := testItem("Blockwork 140mm", true)
	old := testItem("Blockwork 215mm", false)

	require.NoError(t, s.UpsertPriceItems(ctx, a, old, b))

	items, err := s.ListActiveCatalogItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, b.ID, items[1].ID)
	assert.Equal(t, []string{"walls"}, items[0].Keywords)

	require.NoError(t, s.SetItemEmbedding(ctx, a.ID, "cohere", []float32{0.5, 0.25, 1}))

	missing, err := s.ItemsMissingEmbedding(ctx, "cohere", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, b.ID, missing[0].ID)

	missing, err = s.ItemsMissingEmbedding(ctx, "openai", 1)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, a.ID, missing[0].ID)

	got, err := s.GetPriceItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 1}, got.Embedding)
	assert.True(t, got.HasEmbeddingFor("cohere"))

	_, err = s.GetPriceItem(ctx, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	err = s.SetItemEmbedding(ctx, uuid.New(), "cohere", []float32{1})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func testJobsContract(t *testing.T, s engineStore) {
	ctx := context.Background()
	now := time.Now()

	job := models.NewMatchingJob(uuid.Must(uuid.NewV7()), models.MethodLocal, now)
	rows := []models.BOQRow{
		{RowNumber: 3, OriginalDescription: "Blockwork", OriginalQuantity: ptr(12.0), OriginalUnit: ptr("m2")},
		{RowNumber: 1, OriginalDescription: "WALLS"},
		{RowNumber: 2, OriginalDescription: "Plaster", OriginalQuantity: ptr(4.0), OriginalRowData: []byte(`{"B":"Plaster"}`)},
	}

	created, err := s.CreateJob(ctx, job, rows)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, created.Status)

	_, err = s.CreateJob(ctx, job, nil)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	loaded, err := s.LoadJobRows(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []int{3, 1, 2}, []int{loaded[0].RowNumber, loaded[1].RowNumber, loaded[2].RowNumber})
	assert.Equal(t, job.ID, loaded[0].JobID)
	assert.InDelta(t, 12.0, *loaded[0].OriginalQuantity, 1e-9)
	assert.Nil(t, loaded[1].OriginalQuantity)
	assert.JSONEq(t, `{"B":"Plaster"}`, string(loaded[2].OriginalRowData))

	parsing, err := created.BeginParsing(now)
	require.NoError(t, err)

	saved, err := s.SaveJob(ctx, parsing)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusParsing, saved.Status)
	assert.False(t, saved.StopRequested)

	stopped, err := s.RequestStop(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stopped.StopRequested)

	// a writer holding an older snapshot cannot clear the flag
	matching, err := saved.BeginMatching(3, now)
	require.NoError(t, err)

	saved, err = s.SaveJob(ctx, matching)
	require.NoError(t, err)
	assert.True(t, saved.StopRequested)
	assert.Equal(t, 3, saved.ItemCount)

	open, err := s.ListNonTerminalJobs(ctx)
	require.NoError(t, err)
	assert.True(t, containsJob(open, job.ID))

	cancelled, err := saved.Cancel(now)
	require.NoError(t, err)

	_, err = s.SaveJob(ctx, cancelled)
	require.NoError(t, err)

	_, err = s.RequestStop(ctx, job.ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	open, err = s.ListNonTerminalJobs(ctx)
	require.NoError(t, err)
	assert.False(t, containsJob(open, job.ID))

	_, err = s.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.RequestStop(ctx, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.SaveJob(ctx, models.NewMatchingJob(uuid.New(), models.MethodLocal, now))
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func containsJob(jobs []models.MatchingJob, id uuid.UUID) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}

	return false
}

func testResultsContract(t *testing.T, s engineStore) {
	ctx := context.Background()
	now := time.Now()

	job := models.NewMatchingJob(uuid.Must(uuid.NewV7()), models.MethodLocal, now)
	_, err := s.CreateJob(ctx, job, nil)
	require.NoError(t, err)

	second := models.MatchResult{
		ID: uuid.Must(uuid.NewV7()), JobID: job.ID, RowNumber: 2,
		OriginalDescription: "Blockwork", OriginalQuantity: ptr(2.0),
		ContextHeaders: []string{"WALLS"},
		MatchMethod:    models.MethodLocal,
		CreatedAt:      now, UpdatedAt: now,
	}
	first := models.MatchResult{
		ID: uuid.Must(uuid.NewV7()), JobID: job.ID, RowNumber: 1,
		OriginalDescription: "WALLS", MatchMethod: models.MethodContext,
		CreatedAt: now, UpdatedAt: now,
	}

	require.NoError(t, s.SaveResult(ctx, &second))
	require.NoError(t, s.SaveResult(ctx, &first))

	dup := second
	dup.ID = uuid.Must(uuid.NewV7())
	require.ErrorIs(t, s.SaveResult(ctx, &dup), apperrors.ErrConflict)

	results, err := s.ListResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].RowNumber)
	assert.Nil(t, results[0].ContextHeaders)
	assert.Equal(t, []string{"WALLS"}, results[1].ContextHeaders)

	edited := results[1].ApplyManualMatch(models.ManualMatch{Description: "Dense block", Rate: ptr(21.0)}, now)
	require.NoError(t, s.UpdateResult(ctx, &edited))

	got, err := s.GetResult(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, got.IsManuallyEdited)
	assert.Equal(t, models.MethodManual, got.MatchMethod)
	assert.InDelta(t, 42.0, *got.TotalPrice, 1e-9)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)

	_, err = s.GetResult(ctx, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	missing := edited
	missing.ID = uuid.New()
	require.ErrorIs(t, s.UpdateResult(ctx, &missing), apperrors.ErrNotFound)
}
