// Package strategy implements the matching strategies that turn one BOQ row into a
// scored catalog candidate: lexical tiers, fuzzy token similarity, embedding
// similarity, provider reranking and hybrids of those.
package strategy

import (
	"context"
	"math"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/cohere"
	"github.com/boqpro/pricematch/internal/models"
)

// Candidate is the best catalog item a strategy found for a row.
type Candidate struct {
	Item       models.PriceItem
	RawScore   float64
	Confidence float64
	Method     models.MatchingMethod
}

// Strategy resolves one row against an index snapshot. A nil candidate with a nil
// error means no match.
type Strategy interface {
	Method() models.MatchingMethod
	Match(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error)
}

// QueryEmbedder turns a query into a vector in the space of one provider.
type QueryEmbedder interface {
	Name() string
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores documents against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]cohere.RerankResult, error)
}

// Clip01 bounds v to [0, 1]; NaN becomes 0.
func Clip01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}

func newCandidate(e *catalog.Entry, raw, confidence float64, method models.MatchingMethod) *Candidate {
	return &Candidate{
		Item:       e.Item,
		RawScore:   raw,
		Confidence: Clip01(confidence),
		Method:     method,
	}
}
