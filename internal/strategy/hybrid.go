package strategy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
)

// DefaultTieOrder ranks member kinds when confidences are equal, strongest first.
var DefaultTieOrder = []string{"rerank", "embedding", "fuzzy", "lexical"}

// Hybrid runs its members concurrently and keeps the most confident candidate.
// Member failures are tolerated while at least one member succeeds.
type Hybrid struct {
	method  models.MatchingMethod
	members []Strategy
	rank    map[string]int
}

// NewHybrid combines members under method. tieOrder lists member kinds strongest first;
// nil selects DefaultTieOrder.
func NewHybrid(method models.MatchingMethod, tieOrder []string, members ...Strategy) *Hybrid {
	if len(tieOrder) == 0 {
		tieOrder = DefaultTieOrder
	}

	rank := make(map[string]int, len(tieOrder))
	for i, kind := range tieOrder {
		rank[kind] = len(tieOrder) - i
	}

	return &Hybrid{method: method, members: members, rank: rank}
}

// Method implements Strategy.
func (h *Hybrid) Method() models.MatchingMethod { return h.method }

// Members returns the member strategies.
func (h *Hybrid) Members() []Strategy { return h.members }

// Match implements Strategy. The winning candidate keeps the member's method.
func (h *Hybrid) Match(ctx context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error) {
	candidates := make([]*Candidate, len(h.members))
	errs := make([]error, len(h.members))

	var g errgroup.Group

	for i, m := range h.members {
		g.Go(func() error {
			candidates[i], errs[i] = m.Match(ctx, row, idx)

			return nil
		})
	}

	_ = g.Wait()

	var best *Candidate

	failed := 0

	for i, c := range candidates {
		if errs[i] != nil {
			failed++

			continue
		}

		if c == nil {
			continue
		}

		if best == nil || c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && h.rank[Kind(c.Method)] > h.rank[Kind(best.Method)]) {
			best = c
		}
	}

	if failed == len(h.members) && failed > 0 {
		return nil, errs[0]
	}

	return best, nil
}

// Kind groups methods for tie-breaking: rerank, embedding, fuzzy or lexical.
func Kind(m models.MatchingMethod) string {
	switch {
	case m == models.MethodRerank:
		return "rerank"
	case m.IsEmbedding():
		return "embedding"
	case m == models.MethodFuzzy:
		return "fuzzy"
	case m == models.MethodLocal:
		return "lexical"
	default:
		return string(m)
	}
}
