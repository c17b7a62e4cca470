package strategy

import (
	"fmt"

	"github.com/boqpro/pricematch/internal/apperrors"
	"github.com/boqpro/pricematch/internal/models"
	"github.com/boqpro/pricematch/internal/providers"
)

// RegistryOptions tunes the strategies a Registry builds.
type RegistryOptions struct {
	FuzzyFloor float64
	RerankTopK int
	// MinEmbeddingCoverage gates every embedding strategy; see Embedding.MinCoverage.
	MinEmbeddingCoverage float64
	// TieOrder lists hybrid member kinds strongest first; empty selects DefaultTieOrder.
	TieOrder []string
	// HybridMembers restricts the members of HYBRID to these methods. Empty means lexical,
	// fuzzy and every configured embedding provider.
	HybridMembers []models.MatchingMethod
}

// Registry maps each matching method to its strategy. It is built once and read concurrently.
type Registry struct {
	strategies map[models.MatchingMethod]Strategy
}

// NewRegistry builds the strategies that the configured providers can serve. Methods whose
// provider is not configured are left out and reported as unavailable by Get.
func NewRegistry(set *providers.Set, opts RegistryOptions) (*Registry, error) {
	r := &Registry{strategies: make(map[models.MatchingMethod]Strategy)}

	r.strategies[models.MethodLocal] = Lexical{}
	r.strategies[models.MethodFuzzy] = Fuzzy{Floor: opts.FuzzyFloor}

	var embeddings []*Embedding

	if set != nil {
		for _, e := range set.Embedders() {
			method, err := methodForProvider(e.Name())
			if err != nil {
				return nil, err
			}

			s := NewEmbedding(method, e)
			s.MinCoverage = opts.MinEmbeddingCoverage
			r.strategies[method] = s
			embeddings = append(embeddings, s)
		}
	}

	members, err := r.hybridMembers(opts.HybridMembers, embeddings)
	if err != nil {
		return nil, err
	}

	r.strategies[models.MethodHybrid] = NewHybrid(models.MethodHybrid, opts.TieOrder, members...)

	if set != nil && set.Reranker() != nil {
		r.strategies[models.MethodRerank] = NewRerank(set.Reranker(), opts.RerankTopK)

		rerankMembers := append(append([]Strategy{}, members...),
			NewRerank(set.Reranker(), opts.RerankTopK, embeddings...))
		r.strategies[models.MethodHybridRerank] = NewHybrid(models.MethodHybridRerank, opts.TieOrder, rerankMembers...)
	}

	return r, nil
}

func (r *Registry) hybridMembers(want []models.MatchingMethod, embeddings []*Embedding) ([]Strategy, error) {
	if len(want) == 0 {
		members := []Strategy{r.strategies[models.MethodLocal], r.strategies[models.MethodFuzzy]}
		for _, e := range embeddings {
			members = append(members, e)
		}

		return members, nil
	}

	members := make([]Strategy, 0, len(want))

	for _, m := range want {
		switch m {
		case models.MethodLocal, models.MethodFuzzy, models.MethodOpenAI, models.MethodCohere, models.MethodGemini:
		default:
			return nil, apperrors.NewValidationError("hybrid_members", fmt.Sprintf("%s cannot be a hybrid member", m))
		}

		// unconfigured providers are skipped
		if s, ok := r.strategies[m]; ok {
			members = append(members, s)
		}
	}

	return members, nil
}

// Get returns the strategy for method.
func (r *Registry) Get(method models.MatchingMethod) (Strategy, error) {
	if !method.IsStrategy() {
		return nil, apperrors.NewValidationError("method", fmt.Sprintf("unknown matching method %q", method))
	}

	s, ok := r.strategies[method]
	if !ok {
		return nil, apperrors.NewValidationError("method", fmt.Sprintf("matching method %s is not configured", method))
	}

	return s, nil
}

// Available lists the configured methods in declaration order.
func (r *Registry) Available() []models.MatchingMethod {
	var out []models.MatchingMethod

	for _, m := range models.StrategyMethods() {
		if _, ok := r.strategies[m]; ok {
			out = append(out, m)
		}
	}

	return out
}

func methodForProvider(name string) (models.MatchingMethod, error) {
	for _, m := range models.StrategyMethods() {
		if m.IsEmbedding() && m.Provider() == name {
			return m, nil
		}
	}

	return "", fmt.Errorf("no embedding method for provider %q", name)
}
