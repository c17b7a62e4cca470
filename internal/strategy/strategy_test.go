package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/cohere"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/providers"
)

func ptr[T any](v T) *T { return &v }

type fakeEmbedder struct {
	name  string
	calls atomic.Int32
	embed func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)

	return f.embed(ctx, text)
}

func (f *fakeEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return f.embed(ctx, text)
}

type fakeReranker struct {
	rerank func(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error)
}

func (f *fakeReranker) Name() string { return "cohere" }

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error) {
	return f.rerank(ctx, query, documents)
}

type fixedStrategy struct {
	method    models.MatchingMethod
	candidate *Candidate
	err       error
}

func (s fixedStrategy) Method() models.MatchingMethod { return s.method }

func (s fixedStrategy) Match(context.Context, *models.BOQRow, *catalog.Index) (*Candidate, error) {
	return s.candidate, s.err
}

func priceItem(desc, unit string, rate float64) models.PriceItem {
	return models.PriceItem{ID: uuid.New(), Description: desc, Unit: unit, Rate: rate, IsActive: true}
}

func embedded(it models.PriceItem, provider string, v ...float32) models.PriceItem {
	it.Embedding = v
	it.EmbeddingProvider = ptr(provider)

	return it
}

func buildIndex(t *testing.T, items ...models.PriceItem) *catalog.Index {
	t.Helper()

	idx, err := catalog.Build(items, catalog.DefaultLexicalTiers())
	require.NoError(t, err)

	return idx
}

func row(desc string, qty float64, unit string) *models.BOQRow {
	return &models.BOQRow{RowNumber: 1, OriginalDescription: desc, OriginalQuantity: &qty, OriginalUnit: &unit}
}

func TestLexical(t *testing.T) {
	idx := buildIndex(t,
		priceItem("Sand", "M3", 30),
		priceItem("Portland cement 50kg bag", "BAG", 12.5),
		priceItem("Cement mortar", "M3", 90),
	)

	tests := []struct {
		name       string
		desc       string
		want       string
		confidence float64
	}{
		{name: "exact", desc: "Portland cement 50kg bag", want: "Portland cement 50kg bag", confidence: 1},
		{name: "prefix", desc: "portland", want: "Portland cement 50kg bag", confidence: 0.8},
		{name: "word boundary", desc: "mortar", want: "Cement mortar", confidence: 0.6},
		{name: "none", desc: "glass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lexical{}.Match(context.Background(), row(tt.desc, 1, "BAG"), idx)
			require.NoError(t, err)

			if tt.want == "" {
				assert.Nil(t, got)

				return
			}

			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Item.Description)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
			assert.Equal(t, models.MethodLocal, got.Method)
		})
	}
}

func TestFuzzy(t *testing.T) {
	idx := buildIndex(t,
		priceItem("Reinforcement steel bar 12mm", "KG", 1.2),
		priceItem("Concrete block 150mm", "NO", 2.1),
		priceItem("Ceramic floor tiles", "M2", 18),
	)

	got, err := Fuzzy{}.Match(context.Background(), row("steel reinforcement bars 12 mm", 100, "kg"), idx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Reinforcement steel bar 12mm", got.Item.Description)
	assert.Equal(t, models.MethodFuzzy, got.Method)
	assert.GreaterOrEqual(t, got.Confidence, DefaultFuzzyFloor)
	assert.LessOrEqual(t, got.Confidence, 1.0)

	got, err = Fuzzy{Floor: 0.99}.Match(context.Background(), row("steel reinforcement bars 12 mm", 100, "kg"), idx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFuzzy_UnitAndContextBonus(t *testing.T) {
	withCat := priceItem("Excavation trench", "M3", 10)
	withCat.Category = ptr("Earthworks")
	idx := buildIndex(t, priceItem("Excavation trench", "M2", 10), withCat)

	r := row("Excavation trench", 5, "m3")
	r.ContextHeaders = []string{"EARTHWORKS AND SITE"}

	ranked := FuzzyRank(r, idx, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, withCat.ID, ranked[0].Entry.Item.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestEmbedding(t *testing.T) {
	idx := buildIndex(t,
		embedded(priceItem("Portland cement", "BAG", 12.5), "cohere", 1, 0),
		embedded(priceItem("River sand", "M3", 30), "cohere", 0, 1),
	)

	emb := &fakeEmbedder{name: "cohere", embed: func(_ context.Context, text string) ([]float32, error) {
		assert.Equal(t, "cement [Category: MATERIALS]", text)

		return []float32{0.9, 0.1}, nil
	}}

	r := row("cement", 2, "bag")
	r.ContextHeaders = []string{"MATERIALS"}

	got, err := NewEmbedding(models.MethodCohere, emb).Match(context.Background(), r, idx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Portland cement", got.Item.Description)
	assert.Equal(t, models.MethodCohere, got.Method)
	assert.Greater(t, got.Confidence, 0.9)
}

func TestEmbedding_NoCatalogVectorsSkipsProvider(t *testing.T) {
	idx := buildIndex(t, priceItem("Portland cement", "BAG", 12.5))
	emb := &fakeEmbedder{name: "openai", embed: func(context.Context, string) ([]float32, error) {
		return []float32{1}, nil
	}}

	_, err := NewEmbedding(models.MethodOpenAI, emb).Match(context.Background(), row("cement", 1, "bag"), idx)
	require.ErrorIs(t, err, catalog.ErrNoEmbeddingsAvailable)
	assert.Equal(t, int32(0), emb.calls.Load())
}

func TestEmbedding_MinCoverage(t *testing.T) {
	// one of four items embedded: 25% coverage
	idx := buildIndex(t,
		embedded(priceItem("Steel rebar 12mm", "T", 900), "openai", 1, 0),
		priceItem("Portland cement 50kg bag", "BAG", 12.5),
		priceItem("River sand", "M3", 30),
		priceItem("Timber batten", "M", 3),
	)

	tests := []struct {
		name        string
		minCoverage float64
		wantErr     bool
	}{
		{"below threshold", 0.5, true},
		{"at threshold", 0.25, false},
		{"no threshold", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := &fakeEmbedder{name: "openai", embed: func(context.Context, string) ([]float32, error) {
				return []float32{0.8, 0.6}, nil
			}}

			s := NewEmbedding(models.MethodOpenAI, emb)
			s.MinCoverage = tt.minCoverage

			got, err := s.Match(context.Background(), row("Portland cement 50kg bag", 1, "bag"), idx)
			if tt.wantErr {
				require.ErrorIs(t, err, catalog.ErrNoEmbeddingsAvailable)
				assert.Equal(t, int32(0), emb.calls.Load(), "provider is not called")

				return
			}

			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Steel rebar 12mm", got.Item.Description)
		})
	}
}

func TestEmbedding_ProviderErrorSurfaces(t *testing.T) {
	idx := buildIndex(t, embedded(priceItem("Portland cement", "BAG", 12.5), "gemini", 1, 0))
	emb := &fakeEmbedder{name: "gemini", embed: func(context.Context, string) ([]float32, error) {
		return nil, apperrors.NewProviderError("gemini", 503, errors.New("overloaded"))
	}}

	_, err := NewEmbedding(models.MethodGemini, emb).Match(context.Background(), row("cement", 1, "bag"), idx)
	require.ErrorIs(t, err, apperrors.ErrProvider)
	assert.False(t, apperrors.IsPermanentProviderError(err))
}

func TestRerank(t *testing.T) {
	items := []models.PriceItem{
		priceItem("Cement mortar 1:4", "M3", 90),
		priceItem("Portland cement 50kg bag", "BAG", 12.5),
		priceItem("Timber", "M", 3),
	}
	idx := buildIndex(t, items...)

	var sent []string

	rr := &fakeReranker{rerank: func(_ context.Context, query string, documents []string) ([]cohere.RerankResult, error) {
		sent = documents

		return []cohere.RerankResult{{Index: 0, RelevanceScore: 0.4}, {Index: 1, RelevanceScore: 0.93}}, nil
	}}

	got, err := NewRerank(rr, 5).Match(context.Background(), row("cement", 3, "bag"), idx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, sent, 2, "only lexical candidates are sent")
	assert.Equal(t, items[1].ID, got.Item.ID)
	assert.InDelta(t, 0.93, got.Confidence, 1e-9)
	assert.Equal(t, models.MethodRerank, got.Method)
}

func TestRerank_TiesGoToLowerIndex(t *testing.T) {
	idx := buildIndex(t, priceItem("cement grey", "BAG", 1), priceItem("cement white", "BAG", 2))
	rr := &fakeReranker{rerank: func(context.Context, string, []string) ([]cohere.RerankResult, error) {
		return []cohere.RerankResult{{Index: 1, RelevanceScore: 0.5}, {Index: 0, RelevanceScore: 0.5}}, nil
	}}

	got, err := NewRerank(rr, 0).Match(context.Background(), row("cement", 1, "bag"), idx)
	require.NoError(t, err)
	assert.Equal(t, "cement grey", got.Item.Description)
}

func TestRerank_FallsBackToFuzzyCandidatesAndCaps(t *testing.T) {
	items := make([]models.PriceItem, 0, 30)
	for range 30 {
		items = append(items, priceItem("galvanised steel pipe fitting", "NO", 4))
	}

	idx := buildIndex(t, items...)

	var count int

	rr := &fakeReranker{rerank: func(_ context.Context, _ string, documents []string) ([]cohere.RerankResult, error) {
		count = len(documents)

		return []cohere.RerankResult{{Index: 0, RelevanceScore: 0.7}}, nil
	}}

	got, err := NewRerank(rr, 50).Match(context.Background(), row("pipe fittings steel galvanized", 1, "no"), idx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, MaxRerankCandidates, count)
}

func TestHybrid(t *testing.T) {
	item := priceItem("x", "NO", 1)
	cand := func(m models.MatchingMethod, c float64) *Candidate {
		return &Candidate{Item: item, Confidence: c, Method: m}
	}

	tests := []struct {
		name    string
		members []Strategy
		want    models.MatchingMethod
		wantErr bool
		noMatch bool
	}{
		{
			name: "highest confidence wins",
			members: []Strategy{
				fixedStrategy{method: models.MethodLocal, candidate: cand(models.MethodLocal, 0.6)},
				fixedStrategy{method: models.MethodFuzzy, candidate: cand(models.MethodFuzzy, 0.8)},
			},
			want: models.MethodFuzzy,
		},
		{
			name: "ties prefer embedding over lexical",
			members: []Strategy{
				fixedStrategy{method: models.MethodLocal, candidate: cand(models.MethodLocal, 0.8)},
				fixedStrategy{method: models.MethodCohere, candidate: cand(models.MethodCohere, 0.8)},
				fixedStrategy{method: models.MethodFuzzy, candidate: cand(models.MethodFuzzy, 0.8)},
			},
			want: models.MethodCohere,
		},
		{
			name: "failed member tolerated",
			members: []Strategy{
				fixedStrategy{method: models.MethodOpenAI, err: errors.New("boom")},
				fixedStrategy{method: models.MethodLocal, candidate: cand(models.MethodLocal, 0.4)},
			},
			want: models.MethodLocal,
		},
		{
			name: "all members failed",
			members: []Strategy{
				fixedStrategy{method: models.MethodOpenAI, err: errors.New("boom")},
				fixedStrategy{method: models.MethodGemini, err: errors.New("bang")},
			},
			wantErr: true,
		},
		{
			name: "no member matched",
			members: []Strategy{
				fixedStrategy{method: models.MethodLocal},
				fixedStrategy{method: models.MethodFuzzy},
			},
			noMatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHybrid(models.MethodHybrid, nil, tt.members...)

			got, err := h.Match(context.Background(), row("x", 1, "no"), nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.EqualError(t, err, "boom")

				return
			}

			require.NoError(t, err)

			if tt.noMatch {
				assert.Nil(t, got)

				return
			}

			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Method)
		})
	}
}

func TestRegistry(t *testing.T) {
	emb, err := providers.NewEmbedder(&fakeEmbedder{name: "cohere", embed: func(context.Context, string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}, providers.Options{})
	require.NoError(t, err)

	t.Run("without reranker", func(t *testing.T) {
		reg, err := NewRegistry(providers.NewSet(nil, emb), RegistryOptions{})
		require.NoError(t, err)

		assert.Equal(t, []models.MatchingMethod{models.MethodLocal, models.MethodFuzzy, models.MethodCohere, models.MethodHybrid}, reg.Available())

		_, err = reg.Get(models.MethodRerank)
		require.ErrorIs(t, err, apperrors.ErrValidation)

		_, err = reg.Get(models.MethodOpenAI)
		require.ErrorIs(t, err, apperrors.ErrValidation)

		_, err = reg.Get(models.MethodManual)
		require.ErrorIs(t, err, apperrors.ErrValidation)

		s, err := reg.Get(models.MethodHybrid)
		require.NoError(t, err)
		assert.Len(t, s.(*Hybrid).Members(), 3)
	})

	t.Run("with reranker", func(t *testing.T) {
		rr := providers.NewReranker(&fakeReranker{}, providers.Options{})

		reg, err := NewRegistry(providers.NewSet(rr, emb), RegistryOptions{RerankTopK: 10})
		require.NoError(t, err)

		s, err := reg.Get(models.MethodHybridRerank)
		require.NoError(t, err)
		assert.Equal(t, models.MethodHybridRerank, s.Method())
		assert.Len(t, s.(*Hybrid).Members(), 4)
	})

	t.Run("explicit hybrid members", func(t *testing.T) {
		reg, err := NewRegistry(nil, RegistryOptions{HybridMembers: []models.MatchingMethod{models.MethodLocal, models.MethodOpenAI}})
		require.NoError(t, err)

		s, err := reg.Get(models.MethodHybrid)
		require.NoError(t, err)
		assert.Len(t, s.(*Hybrid).Members(), 1)

		_, err = NewRegistry(nil, RegistryOptions{HybridMembers: []models.MatchingMethod{models.MethodRerank}})
		require.ErrorIs(t, err, apperrors.ErrValidation)
	})
}
