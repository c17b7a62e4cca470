package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/observability"
)

type fakeItems struct {
	getFn func(ctx context.Context, id uuid.UUID) (*models.PriceItem, error)
	setFn func(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error
}

func (f *fakeItems) GetPriceItem(ctx context.Context, id uuid.UUID) (*models.PriceItem, error) {
	return f.getFn(ctx, id)
}

func (f *fakeItems) SetItemEmbedding(ctx context.Context, id uuid.UUID, provider string, embedding []float32) error {
	if f.setFn == nil {
		return nil
	}

	return f.setFn(ctx, id, provider, embedding)
}

type fakeEmbedder struct {
	name    string
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return f.embedFn(ctx, text)
}

type outcomeRecorder struct {
	outcomes []string
}

func (r *outcomeRecorder) RecordCatalogEmbedding(_ context.Context, _, outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func embeddingJob(id uuid.UUID, attempt, maxAttempts int) *river.Job[CatalogEmbeddingArgs] {
	return &river.Job[CatalogEmbeddingArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   CatalogEmbeddingArgs{ItemID: id, Provider: "openai"},
	}
}

func activeItem(id uuid.UUID) *models.PriceItem {
	return &models.PriceItem{ID: id, Description: "Portland cement 50kg", Unit: "bag", Rate: 12.5, IsActive: true}
}

func TestCatalogEmbeddingWorker_Work(t *testing.T) {
	id := uuid.New()
	transient := apperrors.NewProviderError("openai", 503, errors.New("unavailable"))
	permanent := apperrors.NewProviderError("openai", 401, errors.New("bad key"))

	tests := []struct {
		name        string
		item        *models.PriceItem
		getErr      error
		embedErr    error
		setErr      error
		attempt     int
		wantErr     bool
		wantStored  bool
		wantOutcome string
	}{
		{name: "stores embedding", item: activeItem(id), attempt: 1, wantStored: true, wantOutcome: outcomeSuccess},
		{name: "missing item is dropped", getErr: apperrors.ErrNotFound, attempt: 1, wantOutcome: outcomeFailedFinal},
		{
			name:        "inactive item is skipped",
			item:        &models.PriceItem{ID: id, Description: "Old cement", IsActive: false},
			attempt:     1,
			wantOutcome: outcomeSkipped,
		},
		{name: "transient error retries", item: activeItem(id), embedErr: transient, attempt: 1, wantErr: true, wantOutcome: outcomeRetry},
		{name: "transient error on last attempt gives up", item: activeItem(id), embedErr: transient, attempt: 3, wantOutcome: outcomeFailedFinal},
		{name: "permanent error gives up", item: activeItem(id), embedErr: permanent, attempt: 1, wantOutcome: outcomeFailedFinal},
		{name: "store failure retries", item: activeItem(id), setErr: errors.New("db down"), attempt: 1, wantErr: true, wantOutcome: outcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := false
			items := &fakeItems{
				getFn: func(context.Context, uuid.UUID) (*models.PriceItem, error) {
					return tt.item, tt.getErr
				},
				setFn: func(_ context.Context, gotID uuid.UUID, provider string, embedding []float32) error {
					assert.Equal(t, id, gotID)
					assert.Equal(t, "openai", provider)
					assert.Equal(t, []float32{0.1, 0.2}, embedding)
					stored = tt.setErr == nil

					return tt.setErr
				},
			}
			embedder := &fakeEmbedder{
				name: "openai",
				embedFn: func(_ context.Context, text string) ([]float32, error) {
					assert.Contains(t, text, "Portland cement 50kg")

					return []float32{0.1, 0.2}, tt.embedErr
				},
			}
			metrics := &outcomeRecorder{}

			w := NewCatalogEmbeddingWorker(items, metrics, embedder)

			err := w.Work(context.Background(), embeddingJob(id, tt.attempt, 3))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantStored, stored)
			assert.Equal(t, []string{tt.wantOutcome}, metrics.outcomes)
		})
	}
}

func TestCatalogEmbeddingWorker_UnknownProvider(t *testing.T) {
	w := NewCatalogEmbeddingWorker(&fakeItems{}, nil)

	job := embeddingJob(uuid.New(), 1, 3)
	job.Args.Provider = "gemini"

	require.NoError(t, w.Work(context.Background(), job))
}

type fakeRunner struct {
	got []uuid.UUID
	err error
}

func (f *fakeRunner) Run(_ context.Context, jobID uuid.UUID) error {
	f.got = append(f.got, jobID)

	return f.err
}

func TestMatchingJobWorker(t *testing.T) {
	runner := &fakeRunner{err: errors.New("store unavailable")}
	w := NewMatchingJobWorker(runner)
	id := uuid.New()

	job := &river.Job[MatchingJobArgs]{JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 2}, Args: MatchingJobArgs{JobID: id}}

	err := w.Work(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{id}, runner.got)
	assert.Negative(t, int64(w.Timeout(job)))
}

type fakeRiverClient struct {
	inserted     []river.JobArgs
	insertOpts   []*river.InsertOpts
	manyParams   []river.InsertManyParams
	skipAfterOne bool
}

func (f *fakeRiverClient) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.inserted = append(f.inserted, args)
	f.insertOpts = append(f.insertOpts, opts)

	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{}}, nil
}

func (f *fakeRiverClient) InsertMany(_ context.Context, params []river.InsertManyParams) ([]*rivertype.JobInsertResult, error) {
	f.manyParams = append(f.manyParams, params...)

	out := make([]*rivertype.JobInsertResult, len(params))
	for i := range params {
		out[i] = &rivertype.JobInsertResult{Job: &rivertype.JobRow{}, UniqueSkippedAsDuplicate: f.skipAfterOne && i > 0}
	}

	return out, nil
}

func TestRiverInserter_Dispatch(t *testing.T) {
	client := &fakeRiverClient{}
	id := uuid.New()

	require.NoError(t, NewRiverInserter(client).Dispatch(context.Background(), id))

	require.Len(t, client.inserted, 1)
	assert.Equal(t, MatchingJobArgs{JobID: id}, client.inserted[0])
	assert.Equal(t, QueueMatching, client.insertOpts[0].Queue)
	assert.Equal(t, 2, client.insertOpts[0].MaxAttempts)
	assert.True(t, client.insertOpts[0].UniqueOpts.ByArgs)
	assert.Contains(t, client.insertOpts[0].UniqueOpts.ByState, rivertype.JobStatePending)
}

func TestRiverInserter_InsertCatalogEmbeddings(t *testing.T) {
	client := &fakeRiverClient{skipAfterOne: true}
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	n, err := NewRiverInserter(client).InsertCatalogEmbeddings(context.Background(), "cohere", ids)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicates are not counted")
	require.Len(t, client.manyParams, 3)
	assert.Equal(t, CatalogEmbeddingArgs{ItemID: ids[2], Provider: "cohere"}, client.manyParams[2].Args)
	assert.Equal(t, QueueEmbeddings, client.manyParams[2].InsertOpts.Queue)

	n, err = NewRiverInserter(client).InsertCatalogEmbeddings(context.Background(), "cohere", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type missingFunc func(ctx context.Context, provider string, limit int) ([]models.PriceItem, error)

func (f missingFunc) ItemsMissingEmbedding(ctx context.Context, provider string, limit int) ([]models.PriceItem, error) {
	return f(ctx, provider, limit)
}

func TestBackfill(t *testing.T) {
	items := missingFunc(func(_ context.Context, provider string, limit int) ([]models.PriceItem, error) {
		assert.Equal(t, 50, limit)

		if provider == "gemini" {
			return nil, errors.New("boom")
		}

		return []models.PriceItem{*activeItem(uuid.New()), *activeItem(uuid.New())}, nil
	})
	client := &fakeRiverClient{}

	stats, err := Backfill(context.Background(), items, NewRiverInserter(client), []string{"openai", "gemini", "cohere"}, 50)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"openai": 2, "cohere": 2}, stats.Enqueued)
	assert.Equal(t, 1, stats.Errors)
	assert.Len(t, client.manyParams, 4)

	_, err = Backfill(context.Background(), items, NewRiverInserter(client), []string{"gemini"}, 50)
	require.Error(t, err)
}

func TestErrorHandler(t *testing.T) {
	h := &ErrorHandler{}
	ctx := context.Background()

	jobID := uuid.New()
	matchingArgs, err := json.Marshal(MatchingJobArgs{JobID: jobID})
	require.NoError(t, err)

	matching := &rivertype.JobRow{ID: 1, Kind: "matching_job", Attempt: 1, MaxAttempts: 2, EncodedArgs: matchingArgs}

	tagged, _ := jobAttrs(ctx, matching)
	assert.Equal(t, jobID.String(), tagged.Value(observability.JobIDKey))

	assert.Nil(t, h.HandleError(ctx, matching, errors.New("store down")))
	assert.Nil(t, h.HandlePanic(ctx, matching, "boom", "trace"), "matching jobs retry into failed")

	embedArgs, err := json.Marshal(CatalogEmbeddingArgs{ItemID: uuid.New(), Provider: "cohere"})
	require.NoError(t, err)

	embedding := &rivertype.JobRow{ID: 2, Kind: "catalog_embedding", Attempt: 1, MaxAttempts: 5, EncodedArgs: embedArgs}

	_, attrs := jobAttrs(ctx, embedding)
	assert.Contains(t, attrs, "cohere")

	res := h.HandlePanic(ctx, embedding, "boom", "trace")
	require.NotNil(t, res)
	assert.True(t, res.SetCancelled)

	garbled := &rivertype.JobRow{ID: 3, Kind: "matching_job", EncodedArgs: []byte("{")}
	untagged, _ := jobAttrs(ctx, garbled)
	assert.Nil(t, untagged.Value(observability.JobIDKey))
}
