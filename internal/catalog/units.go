package catalog

import (
	"strings"
	"unicode"
)

// unitGroups lists aliases that measure the same quantity. The first entry is canonical.
var unitGroups = [][]string{
	{"M", "M1", "LM", "RM", "RMT"},
	{"M2", "SQM", "SM", "SQ.M", "SQMT"},
	{"M3", "CUM", "CM", "CU.M", "CUMT", "CBM"},
	{"ITEM", "NO", "NOS", "EA", "EACH", "PC", "PCS", "UNIT"},
	{"KG", "KGS", "KILOGRAM"},
	{"TON", "TONS", "MT", "TONNE"},
	{"L", "LTR", "LITER", "LITRE"},
	{"BAG", "BAGS"},
	{"SET", "SETS"},
}

var unitCanonical = func() map[string]string {
	m := make(map[string]string)

	for _, group := range unitGroups {
		for _, alias := range group {
			m[alias] = group[0]
		}
	}

	return m
}()

// NormalizeUnit returns the canonical unit for u, or the upper-cased input when unknown.
func NormalizeUnit(u string) string {
	key := strings.ToUpper(strings.TrimSpace(u))
	key = strings.ReplaceAll(key, "²", "2")
	key = strings.ReplaceAll(key, "³", "3")

	if c, ok := unitCanonical[key]; ok {
		return c
	}

	return key
}

// UnitsCompatible reports whether a and b measure the same quantity.
func UnitsCompatible(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}

	return NormalizeUnit(a) == NormalizeUnit(b)
}

// ExtractUnit finds the first recognised unit token in free text, e.g. "50kg bag" yields "KG".
func ExtractUnit(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '(' || r == ')' || r == '/'
	})

	for _, f := range fields {
		tok := strings.ToUpper(strings.TrimRight(f, ".;:"))
		tok = strings.TrimLeftFunc(tok, func(r rune) bool { return unicode.IsDigit(r) || r == '.' })

		if c, ok := unitCanonical[tok]; ok {
			return c
		}
	}

	return ""
}
