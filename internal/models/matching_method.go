package models

import (
	"fmt"
	"strings"

	"github.com/boqpro/pricematch/internal/apperrors"
)

// MatchingMethod selects the strategy used to resolve rows, and labels how a result was produced.
type MatchingMethod string

// Strategy methods a job can be started with.
const (
	MethodLocal        MatchingMethod = "LOCAL"
	MethodFuzzy        MatchingMethod = "FUZZY"
	MethodOpenAI       MatchingMethod = "OPENAI"
	MethodCohere       MatchingMethod = "COHERE"
	MethodGemini       MatchingMethod = "GEMINI"
	MethodRerank       MatchingMethod = "RERANK"
	MethodHybrid       MatchingMethod = "HYBRID"
	MethodHybridRerank MatchingMethod = "HYBRID_RERANK"
)

// Result-only methods.
const (
	MethodContext MatchingMethod = "CONTEXT"
	MethodManual  MatchingMethod = "MANUAL"
)

var strategyMethods = []MatchingMethod{
	MethodLocal, MethodFuzzy, MethodOpenAI, MethodCohere, MethodGemini,
	MethodRerank, MethodHybrid, MethodHybridRerank,
}

// StrategyMethods returns the methods a job or test match may request.
func StrategyMethods() []MatchingMethod {
	out := make([]MatchingMethod, len(strategyMethods))
	copy(out, strategyMethods)

	return out
}

// IsStrategy reports whether m can be requested for a job.
func (m MatchingMethod) IsStrategy() bool {
	for _, s := range strategyMethods {
		if s == m {
			return true
		}
	}

	return false
}

// IsEmbedding reports whether m is a single embedding-provider method.
func (m MatchingMethod) IsEmbedding() bool {
	return m == MethodOpenAI || m == MethodCohere || m == MethodGemini
}

// Provider returns the embedding provider name for embedding methods ("openai", "cohere", "gemini").
func (m MatchingMethod) Provider() string {
	if !m.IsEmbedding() {
		return ""
	}

	return strings.ToLower(string(m))
}

// ParseMatchingMethod validates s (case-insensitive) as a strategy method.
func ParseMatchingMethod(s string) (MatchingMethod, error) {
	m := MatchingMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsStrategy() {
		return "", apperrors.NewValidationError("matching_method", fmt.Sprintf("unknown matching method %q", s))
	}

	return m, nil
}
