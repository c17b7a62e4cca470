package strategy

import (
	"context"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/boqpro/pricematch/internal/catalog"
	"github.com/boqpro/pricematch/internal/models"
)

// DefaultFuzzyFloor is the lowest blended score Fuzzy reports as a match.
const DefaultFuzzyFloor = 0.3

// Blend weights; they sum to 1.
const (
	weightTokens   = 0.45
	weightKeywords = 0.20
	weightUnit     = 0.15
	weightMaterial = 0.10
	weightContext  = 0.10
)

// Fuzzy blends token-set similarity with keyword, unit, material and section-header agreement.
type Fuzzy struct {
	Floor float64
}

// Method implements Strategy.
func (Fuzzy) Method() models.MatchingMethod { return models.MethodFuzzy }

// Match implements Strategy.
func (f Fuzzy) Match(_ context.Context, row *models.BOQRow, idx *catalog.Index) (*Candidate, error) {
	ranked := FuzzyRank(row, idx, 1)
	if len(ranked) == 0 || ranked[0].Score < f.floor() {
		//nolint:nilnil // no match is not an error
		return nil, nil
	}

	return newCandidate(ranked[0].Entry, ranked[0].Score, ranked[0].Score, models.MethodFuzzy), nil
}

func (f Fuzzy) floor() float64 {
	if f.Floor <= 0 {
		return DefaultFuzzyFloor
	}

	return f.Floor
}

// FuzzyScored is a fuzzy candidate with its blended score in [0, 1].
type FuzzyScored struct {
	Entry *catalog.Entry
	Score float64
}

// FuzzyRank scores the entries sharing a keyword with the row (all entries when none do)
// and returns the best k, ties in insertion order.
func FuzzyRank(row *models.BOQRow, idx *catalog.Index, k int) []FuzzyScored {
	desc := catalog.NormalizeText(row.OriginalDescription)
	if desc == "" || k <= 0 {
		return nil
	}

	q := newFuzzyQuery(row)

	pool := idx.EntriesSharingKeywords(q.keywords)
	if len(pool) == 0 {
		entries := idx.Entries()
		pool = make([]*catalog.Entry, len(entries))

		for i := range entries {
			pool[i] = &entries[i]
		}
	}

	out := make([]FuzzyScored, 0, len(pool))
	for _, e := range pool {
		out = append(out, FuzzyScored{Entry: e, Score: q.score(e)})
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })

	if len(out) > k {
		out = out[:k]
	}

	return out
}

type fuzzyQuery struct {
	text      string
	tokens    []string
	keywords  []string
	materials []string
	unit      string
	rawUnit   string
	context   []string
}

func newFuzzyQuery(row *models.BOQRow) fuzzyQuery {
	text := catalog.NormalizeText(row.OriginalDescription)

	rawUnit := strings.ToUpper(row.Unit())
	if rawUnit == "" {
		rawUnit = catalog.ExtractUnit(row.OriginalDescription)
	}

	var headerWords []string

	for _, h := range row.ContextHeaders {
		if f := strings.Fields(catalog.NormalizeText(h)); len(f) > 0 {
			headerWords = append(headerWords, f[0])
		}
	}

	return fuzzyQuery{
		text:      text,
		tokens:    catalog.Tokens(text),
		keywords:  catalog.Keywords(text),
		materials: catalog.Materials(text),
		unit:      catalog.NormalizeUnit(rawUnit),
		rawUnit:   rawUnit,
		context:   headerWords,
	}
}

func (q fuzzyQuery) score(e *catalog.Entry) float64 {
	total := weightTokens * tokenSetRatio(q.tokens, e.Tokens)
	total += weightKeywords * overlap(q.keywords, e.Keywords)
	total += weightMaterial * overlap(q.materials, e.Materials)

	if q.rawUnit != "" && e.Unit != "" {
		switch {
		case strings.EqualFold(q.rawUnit, e.Item.Unit):
			total += weightUnit
		case q.unit == e.Unit:
			total += weightUnit * 2 / 3
		}
	}

	if e.Category != "" {
		for _, w := range q.context {
			if strings.Contains(e.Category, w) {
				total += weightContext

				break
			}
		}
	}

	return Clip01(total)
}

// overlap is the fraction of want present in have.
func overlap(want, have []string) float64 {
	if len(want) == 0 {
		return 0
	}

	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}

	n := 0

	for _, w := range want {
		if _, ok := set[w]; ok {
			n++
		}
	}

	return float64(n) / float64(len(want))
}

// tokenSetRatio compares the shared tokens against each side's full sorted token set and
// returns the best normalized Levenshtein similarity.
func tokenSetRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := uniqueSorted(a)
	setB := uniqueSorted(b)

	inB := make(map[string]struct{}, len(setB))
	for _, t := range setB {
		inB[t] = struct{}{}
	}

	var common, onlyA, onlyB []string

	for _, t := range setA {
		if _, ok := inB[t]; ok {
			common = append(common, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}

	inA := make(map[string]struct{}, len(setA))
	for _, t := range setA {
		inA[t] = struct{}{}
	}

	for _, t := range setB {
		if _, ok := inA[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}

	base := strings.Join(common, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := levenshtein.Similarity(withA, withB, nil)
	if base != "" {
		best = max(best, levenshtein.Similarity(base, withA, nil), levenshtein.Similarity(base, withB, nil))
	}

	return best
}

func uniqueSorted(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))

	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}

		seen[t] = struct{}{}
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}
