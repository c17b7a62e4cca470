// Package cohere is a small client for the Cohere v2 embed and rerank endpoints.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/boqpro/pricematch/internal/apperrors"
)

// ProviderName labels vectors produced by this client.
const ProviderName = "cohere"

const (
	defaultBaseURL     = "https://api.cohere.com"
	defaultEmbedModel  = "embed-english-v3.0"
	defaultRerankModel = "rerank-v3.5"

	inputTypeQuery    = "search_query"
	inputTypeDocument = "search_document"
)

var (
	// ErrEmptyInput is returned when an embedding or rerank query is empty.
	ErrEmptyInput = errors.New("cohere: input text is empty")
	// ErrNoEmbeddingInResponse is returned when the embed response holds no vectors.
	ErrNoEmbeddingInResponse = errors.New("cohere: no embedding in response")
	// ErrNoDocuments is returned when rerank is called without documents.
	ErrNoDocuments = errors.New("cohere: no documents to rerank")
)

// ClientOptions configures the Cohere client.
type ClientOptions struct {
	APIKey string
	// BaseURL defaults to https://api.cohere.com.
	BaseURL     string
	EmbedModel  string
	RerankModel string
	// RetryMax is the number of HTTP-level retries for 429 and 5xx responses (default 1).
	RetryMax int
	// Timeout bounds a single HTTP attempt (default 30 seconds).
	Timeout time.Duration
}

// Client calls the Cohere API.
type Client struct {
	baseURL     string
	apiKey      string
	embedModel  string
	rerankModel string
	httpClient  *retryablehttp.Client
}

// NewClient creates a Cohere client with defaults applied to zero-valued options.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}

	if opts.EmbedModel == "" {
		opts.EmbedModel = defaultEmbedModel
	}

	if opts.RerankModel == "" {
		opts.RerankModel = defaultRerankModel
	}

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	if opts.RetryMax == 0 {
		opts.RetryMax = 1
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil
	// hand the last response back so its status can be classified
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		embedModel:  opts.EmbedModel,
		rerankModel: opts.RerankModel,
		httpClient:  retryClient,
	}
}

// Name returns the provider label.
func (c *Client) Name() string { return ProviderName }

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Truncate       string   `json:"truncate,omitempty"`
}

type embedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

// EmbedQuery embeds a BOQ description with the search_query input type.
func (c *Client) EmbedQuery(ctx context.Context, input string) ([]float32, error) {
	return c.embed(ctx, input, inputTypeQuery)
}

// EmbedDocument embeds catalog text with the search_document input type.
func (c *Client) EmbedDocument(ctx context.Context, input string) ([]float32, error) {
	return c.embed(ctx, input, inputTypeDocument)
}

func (c *Client) embed(ctx context.Context, input, inputType string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	var out embedResponse

	err := c.post(ctx, "/v2/embed", embedRequest{
		Model:          c.embedModel,
		Texts:          []string{input},
		InputType:      inputType,
		EmbeddingTypes: []string{"float"},
		Truncate:       "END",
	}, &out)
	if err != nil {
		return nil, err
	}

	if len(out.Embeddings.Float) == 0 || len(out.Embeddings.Float[0]) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	return out.Embeddings.Float[0], nil
}

// RerankResult is the relevance of one input document.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	ID      string         `json:"id"`
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against query. Results are ordered by descending relevance.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyInput
	}

	if len(documents) == 0 {
		return nil, ErrNoDocuments
	}

	var out rerankResponse

	err := c.post(ctx, "/v2/rerank", rerankRequest{
		Model:     c.rerankModel,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	}, &out)
	if err != nil {
		return nil, err
	}

	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("cohere rerank: result index %d out of range", r.Index)
		}
	}

	return out.Results, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewProviderError(ProviderName, 0, fmt.Errorf("cohere %s: %w", path, err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewProviderError(ProviderName, resp.StatusCode, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewProviderError(ProviderName, resp.StatusCode,
			fmt.Errorf("cohere %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode cohere response: %w", err)
	}

	return nil
}
