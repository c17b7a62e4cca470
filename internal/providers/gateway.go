// Package providers wraps raw embedding and rerank clients with rate limiting,
// per-call timeouts, query-embedding caching and metrics.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/cohere"
	"github.com/boqpro/pricematch/internal/observability"
	"github.com/boqpro/pricematch/pkg/cache"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Second

// EmbeddingClient is implemented by the openai, googleai and cohere clients.
type EmbeddingClient interface {
	Name() string
	EmbedQuery(ctx context.Context, input string) ([]float32, error)
	EmbedDocument(ctx context.Context, input string) ([]float32, error)
}

// RerankClient is implemented by the cohere client.
type RerankClient interface {
	Name() string
	Rerank(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error)
}

// Options tunes a gateway. Zero values select defaults.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// CacheSize bounds cached query embeddings; 0 disables caching.
	CacheSize int
	Metrics   observability.EngineMetrics
	Logger    *slog.Logger
}

type guard struct {
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	metrics observability.EngineMetrics
	logger  *slog.Logger
}

func newGuard(name string, opts Options) guard {
	g := guard{
		name:    name,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}

		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}

	return g
}

// call waits for a rate token and runs fn under the per-call timeout. Failures are
// returned as *apperrors.ProviderError.
func (g guard) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.wait(callCtx)
	if err == nil {
		err = fn(callCtx)
	}

	outcome := "success"

	if err != nil {
		var pe *apperrors.ProviderError
		if !errors.As(err, &pe) {
			// client-side rejections (empty input, bad dimensions) are not worth retrying
			pe = apperrors.NewProviderError(g.name, 0, err)
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				pe.Permanent = true
			}

			err = pe
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case pe.Permanent:
			outcome = "permanent"
		default:
			outcome = "transient"
		}

		g.logger.WarnContext(ctx, "provider: call failed",
			"provider", g.name, "operation", operation, "outcome", outcome, "error", err)
	}

	if g.metrics != nil {
		g.metrics.RecordProviderCall(ctx, g.name, operation, outcome, time.Since(start))
	}

	return err
}

func (g guard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
	}

	return nil
}

type queryKey struct {
	provider string
	text     string
}

// Embedder is a guarded embedding provider.
type Embedder struct {
	client EmbeddingClient
	guard  guard
	cache  *cache.LoaderCache[queryKey, []float32]
}

// NewEmbedder wraps client.
func NewEmbedder(client EmbeddingClient, opts Options) (*Embedder, error) {
	e := &Embedder{
		client: client,
		guard:  newGuard(client.Name(), opts),
	}

	if opts.CacheSize > 0 {
		c, err := cache.NewLoaderCache[queryKey, []float32](opts.CacheSize, func(k queryKey) string {
			return k.provider + "\x00" + k.text
		})
		if err != nil {
			return nil, fmt.Errorf("query embedding cache: %w", err)
		}

		e.cache = c
	}

	return e, nil
}

// Name returns the provider label stored alongside catalog vectors.
func (e *Embedder) Name() string { return e.client.Name() }

// EmbedQuery embeds a BOQ description, served from cache when possible.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	load := func(ctx context.Context, k queryKey) ([]float32, error) {
		var vec []float32

		err := e.guard.call(ctx, "embed_query", func(callCtx context.Context) error {
			var embedErr error
			vec, embedErr = e.client.EmbedQuery(callCtx, k.text)

			return embedErr
		})

		return vec, err
	}

	key := queryKey{provider: e.client.Name(), text: text}
	if e.cache == nil {
		return load(ctx, key)
	}

	vec, hit, err := e.cache.GetWithStats(ctx, key, load)
	if e.guard.metrics != nil && err == nil {
		e.guard.metrics.RecordQueryCacheLookup(ctx, e.client.Name(), hit)
	}

	return vec, err
}

// EmbedDocument embeds catalog text. Document embeddings are never cached.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	var vec []float32

	err := e.guard.call(ctx, "embed_document", func(callCtx context.Context) error {
		var embedErr error
		vec, embedErr = e.client.EmbedDocument(callCtx, text)

		return embedErr
	})

	return vec, err
}

// Reranker is a guarded rerank provider.
type Reranker struct {
	client RerankClient
	guard  guard
}

// NewReranker wraps client.
func NewReranker(client RerankClient, opts Options) *Reranker {
	return &Reranker{client: client, guard: newGuard(client.Name(), opts)}
}

// Name returns the provider label.
func (r *Reranker) Name() string { return r.client.Name() }

// Rerank scores documents against query.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error) {
	var out []cohere.RerankResult

	err := r.guard.call(ctx, "rerank", func(callCtx context.Context) error {
		var rerankErr error
		out, rerankErr = r.client.Rerank(callCtx, query, documents)

		return rerankErr
	})

	return out, err
}

// Set holds the configured providers by name.
type Set struct {
	embedders map[string]*Embedder
	reranker  *Reranker
}

// NewSet builds a provider set. reranker may be nil.
func NewSet(reranker *Reranker, embedders ...*Embedder) *Set {
	s := &Set{embedders: make(map[string]*Embedder, len(embedders)), reranker: reranker}
	for _, e := range embedders {
		s.embedders[e.Name()] = e
	}

	return s
}

// Embedder returns the embedder registered under name.
func (s *Set) Embedder(name string) (*Embedder, bool) {
	e, ok := s.embedders[name]

	return e, ok
}

// Embedders returns every configured embedder in a fixed order (openai, cohere, gemini).
func (s *Set) Embedders() []*Embedder {
	var out []*Embedder

	for _, name := range []string{"openai", "cohere", "gemini"} {
		if e, ok := s.embedders[name]; ok {
			out = append(out, e)
		}
	}

	return out
}

// Reranker returns the rerank provider, nil when not configured.
func (s *Set) Reranker() *Reranker { return s.reranker }
