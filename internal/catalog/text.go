package catalog

import (
	"strings"
	"unicode"
)

// NormalizeText lowercases s, trims it and collapses internal whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokens splits s into lowercase alphanumeric tokens.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "of": {}, "in": {}, "to": {},
	"a": {}, "an": {}, "or": {}, "including": {}, "all": {}, "as": {}, "per": {},
}

// Keywords returns the distinct tokens of s longer than two characters, minus stop words.
func Keywords(s string) []string {
	seen := make(map[string]struct{})

	var out []string

	for _, tok := range Tokens(s) {
		if len(tok) <= 2 {
			continue
		}

		if _, stop := stopWords[tok]; stop {
			continue
		}

		if _, dup := seen[tok]; dup {
			continue
		}

		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	return out
}

var materialTerms = []string{
	"concrete", "cement", "mortar", "grout", "admixture",
	"steel", "iron", "aluminum", "copper", "brass", "zinc",
	"brick", "block", "stone", "marble", "granite", "sandstone", "limestone",
	"wood", "timber", "plywood", "mdf", "veneer",
	"glass", "glazing", "mirror",
	"pvc", "plastic", "polymer", "hdpe", "upvc", "polythene",
	"ceramic", "tile", "porcelain", "vitrified",
	"gypsum", "plaster", "putty", "primer",
	"asphalt", "bitumen", "tar",
	"sand", "gravel", "aggregate",
}

// Materials returns the construction material terms mentioned in s, in table order.
func Materials(s string) []string {
	lower := strings.ToLower(s)

	var out []string

	for _, m := range materialTerms {
		if strings.Contains(lower, m) {
			out = append(out, m)
		}
	}

	return out
}
