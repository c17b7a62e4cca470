// Package openai wraps the official OpenAI Go SDK for catalog and query embeddings.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/boqpro/pricematch/internal/apperrors"
)

// ProviderName labels vectors produced by this client.
const ProviderName = "openai"

var (
	// ErrEmptyInput is returned when an embedding is requested for empty text.
	ErrEmptyInput = errors.New("openai: input text is empty")
	// ErrInvalidDims is returned when dimensions is not positive.
	ErrInvalidDims = errors.New("openai: embedding dimensions must be positive")
	// ErrNoEmbeddingInResponse is returned when the API response contains no embedding data.
	ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")
	// ErrDimensionMismatch is returned when the response embedding length does not match configured dimensions.
	ErrDimensionMismatch = errors.New("openai: embedding dimension mismatch")
)

const defaultDimension = 1536

// Client calls the OpenAI embeddings API.
type Client struct {
	sdk         openaisdk.Client
	model       openaisdk.EmbeddingModel
	dimensions  int
	requestOpts []option.RequestOption
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions sets the requested embedding dimension (must match the catalog column).
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithModel overrides the embedding model. Empty keeps text-embedding-3-small.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = openaisdk.EmbeddingModel(model)
		}
	}
}

// WithRequestOptions passes extra SDK options (base URL, HTTP client) to the underlying client.
func WithRequestOptions(opts ...option.RequestOption) ClientOption {
	return func(c *Client) {
		c.requestOpts = append(c.requestOpts, opts...)
	}
}

// NewClient creates an OpenAI embeddings client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		model:       openaisdk.EmbeddingModelTextEmbedding3Small,
		dimensions:  defaultDimension,
		requestOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}

	for _, opt := range opts {
		opt(client)
	}

	client.sdk = openaisdk.NewClient(client.requestOpts...)

	return client
}

// Name returns the provider label.
func (c *Client) Name() string { return ProviderName }

// EmbedQuery embeds a BOQ description. OpenAI uses one space for queries and documents.
func (c *Client) EmbedQuery(ctx context.Context, input string) ([]float32, error) {
	return c.embed(ctx, input)
}

// EmbedDocument embeds a catalog item's enriched text.
func (c *Client) EmbedDocument(ctx context.Context, input string) ([]float32, error) {
	return c.embed(ctx, input)
}

func (c *Client) embed(ctx context.Context, input string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	if c.dimensions <= 0 {
		return nil, ErrInvalidDims
	}

	resp, err := c.sdk.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(input),
		},
		Model:      c.model,
		Dimensions: param.NewOpt(int64(c.dimensions)),
	})
	if err != nil {
		status := 0

		var apiErr *openaisdk.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}

		return nil, apperrors.NewProviderError(ProviderName, status, fmt.Errorf("openai embedding: %w", err))
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	emb := resp.Data[0].Embedding
	if len(emb) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), c.dimensions)
	}

	out := make([]float32, len(emb))
	for i := range emb {
		out[i] = float32(emb[i])
	}

	return out, nil
}
