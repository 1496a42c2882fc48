package search

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Tokenize lowercases s and splits it on anything that is not a letter or
// digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// editOptions weighs substitutions like insertions so a single typo costs 1.
var editOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// maxDistance is the edit distance tolerated for a query token of n runes.
func maxDistance(n int) int {
	switch {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// Match reports whether query fuzzily matches an indexed token: an exact or
// prefix match, or a small edit distance scaled to the query length.
func Match(query, token string) bool {
	if strings.HasPrefix(token, query) {
		return true
	}
	q, t := []rune(query), []rune(token)
	limit := maxDistance(len(q))
	if limit == 0 {
		return false
	}
	if d := len(q) - len(t); d > limit || -d > limit {
		return false
	}
	return levenshtein.DistanceForStrings(q, t, editOptions) <= limit
}
