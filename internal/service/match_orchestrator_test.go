package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/strategy"
)

func buildIndex(t *testing.T, items ...models.PriceItem) *catalog.Index {
	t.Helper()

	idx, err := catalog.Build(items, catalog.DefaultLexicalTiers())
	require.NoError(t, err)

	return idx
}

func countingStrategy(method models.MatchingMethod, calls *atomic.Int32, fn matchFunc) funcStrategy {
	return funcStrategy{method: method, match: func(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error) {
		calls.Add(1)

		return fn(ctx, row, idx)
	}}
}

func failing(err error) matchFunc {
	return func(context.Context, *models.BOQRow, *catalog.Index) (*strategy.Candidate, error) {
		return nil, err
	}
}

func newTestOrchestrator(strategies strategySet, fallback models.MatchingMethod) *Orchestrator {
	return NewOrchestrator(strategies, OrchestratorOptions{
		MaxRetries:             2,
		InitialInterval:        1,
		LowConfidenceThreshold: DefaultLowConfidenceThreshold,
		FallbackMethod:         fallback,
	})
}

func TestResolve_ExactLexicalMatch(t *testing.T) {
	cement := priceItem("Portland cement 50kg bag", "bag", 12.5)
	idx := buildIndex(t, priceItem("Sharp sand", "t", 40), cement)
	o := newTestOrchestrator(strategySet{}, models.MethodLocal)

	row := itemRow(2, "Portland cement 50kg bag", 10)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodLocal)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.False(t, res.Degraded)
	assert.Equal(t, models.MethodLocal, res.Result.MatchMethod)
	assert.InDelta(t, 1.0, res.Result.Confidence, 1e-9)
	require.NotNil(t, res.Result.MatchedItemID)
	assert.Equal(t, cement.ID, *res.Result.MatchedItemID)
	require.NotNil(t, res.Result.TotalPrice)
	assert.InDelta(t, 125.0, *res.Result.TotalPrice, 1e-9)
	assert.Nil(t, res.Result.Notes)
}

func TestResolve_HeaderRowIsContext(t *testing.T) {
	var calls atomic.Int32

	idx := buildIndex(t, priceItem("Excavation", "m3", 10))
	o := newTestOrchestrator(strategySet{
		models.MethodCohere: countingStrategy(models.MethodCohere, &calls, failing(errors.New("must not be called"))),
	}, models.MethodLocal)

	row := headerRow(1, "SUBSTRUCTURE")

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodCohere)
	require.NoError(t, err)

	assert.Equal(t, OutcomeContext, res.Outcome)
	assert.Equal(t, models.MethodContext, res.Result.MatchMethod)
	assert.Zero(t, res.Result.Confidence)
	assert.Nil(t, res.Result.MatchedItemID)
	assert.Nil(t, res.Result.TotalPrice)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResolve_BlankDescriptionIsNoMatch(t *testing.T) {
	idx := buildIndex(t, priceItem("Excavation", "m3", 10))
	o := newTestOrchestrator(strategySet{}, models.MethodLocal)

	row := itemRow(3, "   ", 4)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodLocal)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoMatch, res.Outcome)
	assert.Equal(t, models.MethodLocal, res.Result.MatchMethod)
	assert.False(t, res.Result.HasMatch())
}

func TestResolve_UnknownMethod(t *testing.T) {
	idx := buildIndex(t, priceItem("Excavation", "m3", 10))
	o := newTestOrchestrator(strategySet{}, models.MethodLocal)

	row := itemRow(1, "Excavation", 4)

	_, err := o.Resolve(context.Background(), &row, idx, models.MethodGemini)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestResolve_Retries(t *testing.T) {
	item := priceItem("Excavation to reduce levels", "m3", 8)
	idx := buildIndex(t, item)
	row := itemRow(1, "Excavation", 4)

	tests := []struct {
		name          string
		err           error
		wantCalls     int32
		wantPermanent bool
	}{
		{
			name:      "transient errors are retried",
			err:       apperrors.NewProviderError("cohere", 503, errors.New("unavailable")),
			wantCalls: 3,
		},
		{
			name:          "permanent errors are not retried",
			err:           apperrors.NewProviderError("cohere", 401, errors.New("bad key")),
			wantCalls:     1,
			wantPermanent: true,
		},
		{
			name:      "non provider errors are not retried",
			err:       errors.New("broken"),
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			o := newTestOrchestrator(strategySet{
				models.MethodCohere: countingStrategy(models.MethodCohere, &calls, failing(tt.err)),
			}, models.MethodLocal)

			res, err := o.Resolve(context.Background(), &row, idx, models.MethodCohere)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.True(t, res.Degraded)
			assert.Equal(t, tt.wantPermanent, res.PermanentFailure)
			assert.Equal(t, OutcomeFallback, res.Outcome)
			assert.Equal(t, models.MethodLocal, res.Result.MatchMethod)
			require.NotNil(t, res.Result.MatchedItemID)
			assert.Equal(t, item.ID, *res.Result.MatchedItemID)
			require.NotNil(t, res.Result.Notes)
			assert.Contains(t, *res.Result.Notes, "fell back to LOCAL")
		})
	}
}

func TestResolve_TransientThenSuccess(t *testing.T) {
	item := priceItem("Excavation", "m3", 8)
	idx := buildIndex(t, item)

	var calls atomic.Int32

	o := newTestOrchestrator(strategySet{
		models.MethodCohere: countingStrategy(models.MethodCohere, &calls, func(_ context.Context, _ *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error) {
			if calls.Load() < 2 {
				return nil, apperrors.NewProviderError("cohere", 429, errors.New("slow down"))
			}

			return &strategy.Candidate{Item: idx.Entries()[0].Item, Confidence: 0.8, Method: models.MethodCohere}, nil
		}),
	}, models.MethodLocal)

	row := itemRow(1, "Dig", 2)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodCohere)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, res.Degraded)
	assert.Equal(t, models.MethodCohere, res.Result.MatchMethod)
	assert.InDelta(t, 0.8, res.Result.Confidence, 1e-9)
	assert.InDelta(t, 16.0, *res.Result.TotalPrice, 1e-9)
}

func TestResolve_FallbackDisabled(t *testing.T) {
	idx := buildIndex(t, priceItem("Excavation", "m3", 8))
	o := newTestOrchestrator(strategySet{
		models.MethodCohere: funcStrategy{method: models.MethodCohere, match: failing(apperrors.NewProviderError("cohere", 403, errors.New("forbidden")))},
	}, "")

	row := itemRow(1, "Excavation", 2)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodCohere)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.True(t, res.Degraded)
	assert.True(t, res.PermanentFailure)
	assert.Equal(t, models.MethodCohere, res.Result.MatchMethod)
	assert.False(t, res.Result.HasMatch())
	assert.Zero(t, res.Result.Confidence)
	assert.NotEmpty(t, res.Warning)
}

func TestResolve_NoEmbeddingsFallsBackToLexical(t *testing.T) {
	item := priceItem("Excavation", "m3", 8)
	idx := buildIndex(t, item)
	o := newTestOrchestrator(strategySet{
		models.MethodOpenAI: funcStrategy{method: models.MethodOpenAI, match: failing(fmt.Errorf("%w: openai", catalog.ErrNoEmbeddingsAvailable))},
	}, "")

	row := itemRow(1, "Excavation", 2)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodOpenAI)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.False(t, res.Degraded)
	assert.Equal(t, models.MethodLocal, res.Result.MatchMethod)
	assert.Equal(t, item.ID, *res.Result.MatchedItemID)
	assert.Contains(t, *res.Result.Notes, "used lexical match")
}

func TestResolve_LowConfidenceAndSelectedByNotes(t *testing.T) {
	idx := buildIndex(t, priceItem("Blockwork", "m2", 30))
	o := newTestOrchestrator(strategySet{
		models.MethodHybrid: funcStrategy{method: models.MethodHybrid, match: func(_ context.Context, _ *models.BOQRow, idx *catalog.Index) (*strategy.Candidate, error) {
			return &strategy.Candidate{Item: idx.Entries()[0].Item, Confidence: 0.1, Method: models.MethodFuzzy}, nil
		}},
	}, models.MethodLocal)

	row := itemRow(1, "Walls", 1)

	res, err := o.Resolve(context.Background(), &row, idx, models.MethodHybrid)
	require.NoError(t, err)

	assert.Equal(t, models.MethodHybrid, res.Result.MatchMethod)
	require.NotNil(t, res.Result.Notes)
	assert.Equal(t, "selected by FUZZY; low confidence, review", *res.Result.Notes)
}

func TestResolve_CancelledContext(t *testing.T) {
	idx := buildIndex(t, priceItem("Excavation", "m3", 8))

	ctx, cancel := context.WithCancel(context.Background())

	o := newTestOrchestrator(strategySet{
		models.MethodCohere: funcStrategy{method: models.MethodCohere, match: func(ctx context.Context, _ *models.BOQRow, _ *catalog.Index) (*strategy.Candidate, error) {
			cancel()

			return nil, apperrors.NewProviderError("cohere", 0, ctx.Err())
		}},
	}, models.MethodLocal)

	row := itemRow(1, "Excavation", 2)

	_, err := o.Resolve(ctx, &row, idx, models.MethodCohere)
	require.ErrorIs(t, err, context.Canceled)
}
