package strategy

import (
	"context"
	"fmt"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
)

// Embedding matches by cosine similarity between the row's query vector and catalog
// vectors produced by the same provider.
type Embedding struct {
	method   models.MatchingMethod
	embedder QueryEmbedder

	// MinCoverage is the fraction of the catalog that must carry this provider's vectors
	// before the strategy runs. Zero only requires one vector.
	MinCoverage float64
}

// NewEmbedding returns the strategy for an embedding method backed by embedder.
func NewEmbedding(method models.MatchingMethod, embedder QueryEmbedder) *Embedding {
	return &Embedding{method: method, embedder: embedder}
}

// Method implements Strategy.
func (s *Embedding) Method() models.MatchingMethod { return s.method }

// Match implements Strategy. It returns catalog.ErrNoEmbeddingsAvailable without calling the
// provider when too little of the catalog has vectors from this provider.
func (s *Embedding) Match(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error) {
	hits, err := s.Candidates(ctx, row, idx, 1)
	if err != nil {
		return nil, err
	}

	if len(hits) == 0 {
		//nolint:nilnil // no match is not an error
		return nil, nil
	}

	return newCandidate(hits[0].Entry, hits[0].Similarity, hits[0].Similarity, s.method), nil
}

// Candidates returns the k nearest catalog entries for the row.
func (s *Embedding) Candidates(ctx context.Context, row *models.BOQRow, idx *catalog.Index, k int) ([]catalog.VectorHit, error) {
	provider := s.embedder.Name()
	if !idx.HasEmbeddings(provider) {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNoEmbeddingsAvailable, provider)
	}

	if coverage := idx.Coverage(provider); coverage < s.MinCoverage {
		return nil, fmt.Errorf("%w: %s covers %.1f%% of the catalog, %.1f%% required",
			catalog.ErrNoEmbeddingsAvailable, provider, coverage*100, s.MinCoverage*100)
	}

	vec, err := s.embedder.EmbedQuery(ctx, row.EnrichedQuery())
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return idx.VectorCandidates(vec, k, provider)
}
