package providers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/cohere"
)

type fakeEmbeddingClient struct {
	name          string
	embedQuery    func(ctx context.Context, input string) ([]float32, error)
	embedDocument func(ctx context.Context, input string) ([]float32, error)
}

func (f *fakeEmbeddingClient) Name() string { return f.name }

func (f *fakeEmbeddingClient) EmbedQuery(ctx context.Context, input string) ([]float32, error) {
	return f.embedQuery(ctx, input)
}

func (f *fakeEmbeddingClient) EmbedDocument(ctx context.Context, input string) ([]float32, error) {
	return f.embedDocument(ctx, input)
}

type fakeRerankClient struct {
	rerank func(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error)
}

func (f *fakeRerankClient) Name() string { return "cohere" }

func (f *fakeRerankClient) Rerank(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error) {
	return f.rerank(ctx, query, documents)
}

func TestEmbedder_CachesQueries(t *testing.T) {
	var calls atomic.Int32

	client := &fakeEmbeddingClient{
		name: "cohere",
		embedQuery: func(_ context.Context, _ string) ([]float32, error) {
			calls.Add(1)

			return []float32{1, 0}, nil
		},
	}

	e, err := NewEmbedder(client, Options{CacheSize: 8})
	require.NoError(t, err)

	for range 3 {
		vec, err := e.EmbedQuery(context.Background(), "cement")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0}, vec)
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedder_WithoutCacheCallsEveryTime(t *testing.T) {
	var calls atomic.Int32

	client := &fakeEmbeddingClient{
		name: "openai",
		embedQuery: func(context.Context, string) ([]float32, error) {
			calls.Add(1)

			return []float32{1}, nil
		},
	}

	e, err := NewEmbedder(client, Options{})
	require.NoError(t, err)

	_, _ = e.EmbedQuery(context.Background(), "a")
	_, _ = e.EmbedQuery(context.Background(), "a")
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedder_TimeoutIsTransient(t *testing.T) {
	client := &fakeEmbeddingClient{
		name: "openai",
		embedQuery: func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		},
	}

	e, err := NewEmbedder(client, Options{Timeout: 20 * time.Millisecond, CacheSize: 4})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "slow")
	require.ErrorIs(t, err, apperrors.ErrProvider)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, apperrors.IsPermanentProviderError(err))
}

func TestEmbedder_ClientValidationErrorsArePermanent(t *testing.T) {
	client := &fakeEmbeddingClient{
		name: "gemini",
		embedDocument: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("input text is empty")
		},
	}

	e, err := NewEmbedder(client, Options{})
	require.NoError(t, err)

	_, err = e.EmbedDocument(context.Background(), "")
	assert.True(t, apperrors.IsPermanentProviderError(err))
}

func TestEmbedder_ProviderErrorsPassThrough(t *testing.T) {
	client := &fakeEmbeddingClient{
		name: "cohere",
		embedQuery: func(context.Context, string) ([]float32, error) {
			return nil, apperrors.NewProviderError("cohere", 503, errors.New("unavailable"))
		},
	}

	e, err := NewEmbedder(client, Options{})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "x")

	var pe *apperrors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 503, pe.StatusCode)
	assert.False(t, pe.Permanent)
}

func TestReranker(t *testing.T) {
	r := NewReranker(&fakeRerankClient{
		rerank: func(_ context.Context, query string, documents []string) ([]cohere.RerankResult, error) {
			assert.Equal(t, "q", query)

			return []cohere.RerankResult{{Index: len(documents) - 1, RelevanceScore: 0.8}}, nil
		},
	}, Options{RequestsPerSecond: 100, Burst: 2})

	got, err := r.Rerank(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "cohere", r.Name())
}

func TestSet(t *testing.T) {
	mk := func(name string) *Embedder {
		e, err := NewEmbedder(&fakeEmbeddingClient{name: name}, Options{})
		require.NoError(t, err)

		return e
	}

	s := NewSet(nil, mk("gemini"), mk("openai"))

	_, ok := s.Embedder("cohere")
	assert.False(t, ok)

	e, ok := s.Embedder("gemini")
	require.True(t, ok)
	assert.Equal(t, "gemini", e.Name())

	names := []string{}
	for _, e := range s.Embedders() {
		names = append(names, e.Name())
	}

	assert.Equal(t, []string{"openai", "gemini"}, names)
	assert.Nil(t, s.Reranker())
}
