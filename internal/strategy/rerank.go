package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
)

// MaxRerankCandidates caps the documents sent to the rerank provider per row.
const MaxRerankCandidates = 20

// Rerank gathers candidates lexically (fuzzy when lexical finds nothing), optionally
// merges embedding neighbours, and lets the rerank provider pick the best.
type Rerank struct {
	reranker Reranker
	topK     int
	// Embeddings contribute extra candidates; failures there are ignored.
	Embeddings []*Embedding
}

// NewRerank returns a rerank strategy sending at most topK candidates (capped at 20).
func NewRerank(reranker Reranker, topK int, embeddings ...*Embedding) *Rerank {
	if topK <= 0 || topK > MaxRerankCandidates {
		topK = MaxRerankCandidates
	}

	return &Rerank{reranker: reranker, topK: topK, Embeddings: embeddings}
}

// Method implements Strategy.
func (s *Rerank) Method() models.MatchingMethod { return models.MethodRerank }

// Match implements Strategy.
func (s *Rerank) Match(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error) {
	pool := s.candidates(ctx, row, idx)
	if len(pool) == 0 {
		//nolint:nilnil // no match is not an error
		return nil, nil
	}

	docs := make([]string, len(pool))
	for i, e := range pool {
		docs[i] = e.Item.EmbeddingText()
	}

	results, err := s.reranker.Rerank(ctx, row.EnrichedQuery(), docs)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	best := -1
	bestScore := 0.0

	for _, r := range results {
		if r.Index < 0 || r.Index >= len(pool) {
			continue
		}

		if best == -1 || r.RelevanceScore > bestScore || (r.RelevanceScore == bestScore && r.Index < best) {
			best, bestScore = r.Index, r.RelevanceScore
		}
	}

	if best == -1 {
		//nolint:nilnil // provider ranked nothing
		return nil, nil
	}

	return newCandidate(pool[best], bestScore, bestScore, models.MethodRerank), nil
}

func (s *Rerank) candidates(ctx context.Context, row *models.BOQRow, idx *catalog.Index) []*catalog.Entry {
	seen := make(map[uuid.UUID]struct{})

	var pool []*catalog.Entry

	add := func(e *catalog.Entry) {
		if len(pool) >= s.topK {
			return
		}

		if _, ok := seen[e.Item.ID]; ok {
			return
		}

		seen[e.Item.ID] = struct{}{}
		pool = append(pool, e)
	}

	// leave room for embedding neighbours when they are merged in
	lexical := s.topK
	if len(s.Embeddings) > 0 {
		lexical = s.topK / 2
	}

	for _, c := range idx.LexicalCandidates(row.OriginalDescription, lexical) {
		add(c.Entry)
	}

	if len(pool) == 0 {
		for _, c := range FuzzyRank(row, idx, lexical) {
			if c.Score > 0 {
				add(c.Entry)
			}
		}
	}

	for _, emb := range s.Embeddings {
		hits, err := emb.Candidates(ctx, row, idx, s.topK/2+1)
		if err != nil {
			continue
		}

		for _, h := range hits {
			add(h.Entry)
		}
	}

	return pool
}
