package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boqpro/pricematch/internal/apperrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append(opts, WithRequestOptions(option.WithBaseURL(srv.URL), option.WithMaxRetries(0)))

	return NewClient("test-key", opts...)
}

func TestEmbedQuery(t *testing.T) {
	var gotBody map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],
			"usage":{"prompt_tokens":3,"total_tokens":3}}`))
	}, WithDimensions(3))

	vec, err := c.EmbedQuery(context.Background(), "  Portland cement  ")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
	assert.Equal(t, "Portland cement", gotBody["input"])
	assert.Equal(t, "text-embedding-3-small", gotBody["model"])
	assert.Equal(t, "openai", c.Name())
}

func TestEmbedQuery_DimensionMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}]}`))
	}, WithDimensions(3))

	_, err := c.EmbedDocument(context.Background(), "x")
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEmbedQuery_ClassifiesAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})

	_, err := c.EmbedQuery(context.Background(), "cement")
	require.ErrorIs(t, err, apperrors.ErrProvider)
	assert.True(t, apperrors.IsPermanentProviderError(err))
}

func TestEmbedQuery_RejectsEmptyInput(t *testing.T) {
	c := NewClient("k")

	_, err := c.EmbedQuery(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyInput)
}
