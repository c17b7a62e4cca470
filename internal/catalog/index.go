// Package catalog builds the in-memory Catalog Index used by every matching strategy.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/pkg/vector"
)

// Catalog errors.
var (
	ErrEmptyCatalog          = errors.New("catalog has no active items")
	ErrNoEmbeddingsAvailable = errors.New("no catalog embeddings available for provider")
)

// Entry is one indexed catalog item with its precomputed normalized fields.
type Entry struct {
	Item        models.PriceItem
	Position    int
	Description string
	Code        string
	Category    string
	Attributes  []string
	Tokens      []string
	Keywords    []string
	Materials   []string
	Unit        string
}

// Scored is a lexical candidate.
type Scored struct {
	Entry *Entry
	Score int
}

// VectorHit is an embedding candidate.
type VectorHit struct {
	Entry      *Entry
	Similarity float64
}

// Index is an immutable, query-ready view of the active catalog.
// Entries and their items must be treated as read-only.
type Index struct {
	entries    []Entry
	byID       map[uuid.UUID]int
	postings   map[string][]int
	embeddings map[string]int
	tiers      LexicalTiers
	version    uint64
	builtAt    time.Time
}

// Build indexes the active items in input order. The result depends only on items and tiers.
func Build(items []models.PriceItem, tiers LexicalTiers) (*Index, error) {
	if err := tiers.Validate(); err != nil {
		return nil, err
	}

	idx := &Index{
		byID:       make(map[uuid.UUID]int),
		postings:   make(map[string][]int),
		embeddings: make(map[string]int),
		tiers:      tiers,
	}

	for i := range items {
		item := items[i]
		if !item.IsActive {
			continue
		}

		if _, dup := idx.byID[item.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog item %s", item.ID)
		}

		attrs := make([]string, 0, 5)
		for _, s := range []*string{item.Subcategory, item.MaterialType, item.Brand, item.Supplier} {
			if s != nil && *s != "" {
				attrs = append(attrs, NormalizeText(*s))
			}
		}

		for _, kw := range item.Keywords {
			attrs = append(attrs, NormalizeText(kw))
		}

		pos := len(idx.entries)
		idx.entries = append(idx.entries, Entry{
			Item:        item,
			Position:    pos,
			Description: NormalizeText(item.Description),
			Code:        NormalizeText(deref(item.Code)),
			Category:    NormalizeText(deref(item.Category)),
			Attributes:  attrs,
			Tokens:      Tokens(item.Description),
			Keywords:    Keywords(item.Description),
			Materials:   Materials(item.Description),
			Unit:        NormalizeUnit(item.Unit),
		})
		idx.byID[item.ID] = pos

		for _, kw := range idx.entries[pos].Keywords {
			idx.postings[kw] = append(idx.postings[kw], pos)
		}

		if len(item.Embedding) > 0 && item.EmbeddingProvider != nil {
			idx.embeddings[*item.EmbeddingProvider]++
		}
	}

	if len(idx.entries) == 0 {
		return nil, ErrEmptyCatalog
	}

	return idx, nil
}

// Len returns the number of active items.
func (x *Index) Len() int { return len(x.entries) }

// Version identifies the snapshot this index was published as.
func (x *Index) Version() uint64 { return x.version }

// BuiltAt is when the snapshot was published.
func (x *Index) BuiltAt() time.Time { return x.builtAt }

// Entries returns the indexed entries in insertion order.
func (x *Index) Entries() []Entry { return x.entries }

// Lookup returns the entry for an item id.
func (x *Index) Lookup(id uuid.UUID) (*Entry, bool) {
	pos, ok := x.byID[id]
	if !ok {
		return nil, false
	}

	return &x.entries[pos], true
}

// LexicalScore returns the tier points of e for an already normalized query; 0 means no match.
func (x *Index) LexicalScore(e *Entry, q string) int {
	t := x.tiers

	switch {
	case q == "":
		return 0
	case e.Description == q || (e.Code != "" && e.Code == q):
		return t.Exact
	case strings.HasPrefix(e.Description, q) || (e.Code != "" && strings.HasPrefix(e.Code, q)):
		return t.Prefix
	case strings.Contains(e.Description, " "+q) || strings.Contains(e.Description, q+" "):
		return t.WordBoundary
	case strings.Contains(e.Description, q) || (e.Code != "" && strings.Contains(e.Code, q)):
		return t.Substring
	case e.Category != "" && strings.Contains(e.Category, q):
		return t.Category
	}

	for _, a := range e.Attributes {
		if strings.Contains(a, q) {
			return t.Attribute
		}
	}

	return 0
}

// LexicalCandidates returns at most k items ranked by lexical tier, ties in insertion order.
func (x *Index) LexicalCandidates(query string, k int) []Scored {
	q := NormalizeText(query)
	if q == "" || k <= 0 {
		return nil
	}

	var out []Scored

	for i := range x.entries {
		if score := x.LexicalScore(&x.entries[i], q); score > 0 {
			out = append(out, Scored{Entry: &x.entries[i], Score: score})
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })

	if len(out) > k {
		out = out[:k]
	}

	return out
}

// MaxLexicalScore is the points awarded to an exact match.
func (x *Index) MaxLexicalScore() int { return x.tiers.Exact }

// VectorCandidates ranks items embedded by provider by cosine similarity to query.
// Items without a same-provider, same-dimension embedding are skipped.
func (x *Index) VectorCandidates(query []float32, k int, provider string) ([]VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}

	var out []VectorHit

	for i := range x.entries {
		e := &x.entries[i]
		if !e.Item.HasEmbeddingFor(provider) || len(e.Item.Embedding) != len(query) {
			continue
		}

		out = append(out, VectorHit{Entry: e, Similarity: vector.Cosine(query, e.Item.Embedding)})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEmbeddingsAvailable, provider)
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Similarity > out[b].Similarity })

	if len(out) > k {
		out = out[:k]
	}

	return out, nil
}

// HasEmbeddings reports whether any item carries an embedding for provider.
func (x *Index) HasEmbeddings(provider string) bool {
	return x.embeddings[provider] > 0
}

// Coverage returns the fraction of items carrying an embedding for provider.
func (x *Index) Coverage(provider string) float64 {
	if len(x.entries) == 0 {
		return 0
	}

	return float64(x.embeddings[provider]) / float64(len(x.entries))
}

// EntriesSharingKeywords returns, in insertion order, the entries whose description
// shares at least one keyword with keywords.
func (x *Index) EntriesSharingKeywords(keywords []string) []*Entry {
	seen := make(map[int]struct{})

	var positions []int

	for _, kw := range keywords {
		for _, pos := range x.postings[kw] {
			if _, ok := seen[pos]; ok {
				continue
			}

			seen[pos] = struct{}{}
			positions = append(positions, pos)
		}
	}

	sort.Ints(positions)

	out := make([]*Entry, len(positions))
	for i, pos := range positions {
		out[i] = &x.entries[pos]
	}

	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
