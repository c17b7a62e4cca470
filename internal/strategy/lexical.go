package strategy

import (
	"context"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
)

// Lexical picks the top lexical tier match. Confidence is the tier points over the exact-match points.
type Lexical struct{}

// Method implements Strategy.
func (Lexical) Method() models.MatchingMethod { return models.MethodLocal }

// Match implements Strategy.
func (Lexical) Match(_ context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error) {
	top := idx.LexicalCandidates(row.OriginalDescription, 1)
	if len(top) == 0 {
		//nolint:nilnil // no match is not an error
		return nil, nil
	}

	score := float64(top[0].Score)

	return newCandidate(top[0].Entry, score, score/float64(idx.MaxLexicalScore()), models.MethodLocal), nil
}
