package catalog

import (
	"fmt"
)

// LexicalTiers holds the points awarded per lexical match tier.
// Values must be strictly decreasing from Exact to Attribute.
type LexicalTiers struct {
	Exact        int `yaml:"exact"`
	Prefix       int `yaml:"prefix"`
	WordBoundary int `yaml:"word_boundary"`
	Substring    int `yaml:"substring"`
	Category     int `yaml:"category"`
	Attribute    int `yaml:"attribute"`
}

// DefaultLexicalTiers returns the stock tier points.
func DefaultLexicalTiers() LexicalTiers {
	return LexicalTiers{
		Exact:        100,
		Prefix:       80,
		WordBoundary: 60,
		Substring:    40,
		Category:     30,
		Attribute:    20,
	}
}

// Validate checks that the tiers keep their order and stay positive.
func (t LexicalTiers) Validate() error {
	ordered := []int{t.Exact, t.Prefix, t.WordBoundary, t.Substring, t.Category, t.Attribute}
	for i, v := range ordered {
		if v <= 0 {
			return fmt.Errorf("lexical tier %d must be positive, got %d", i, v)
		}

		if i > 0 && v >= ordered[i-1] {
			return fmt.Errorf("lexical tiers must be strictly decreasing, got %v", ordered)
		}
	}

	return nil
}
