package catalog

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// minMatchScore is the floor for accepting a fuzzy match (0-100 scale).
const minMatchScore = 40

// closestTitle resolves user input against the catalog titles:
//  1. case-insensitive exact match
//  2. prefix match up to a colon ("Dune" matches "Dune: Messiah" conventions)
//  3. token-sort ratio, accepted at minMatchScore or better
//
// Returns "" when nothing clears the bar.
func closestTitle(input string, titles []string) string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return ""
	}

	for _, title := range titles {
		if strings.ToLower(title) == normalized {
			return title
		}
	}

	for _, title := range titles {
		if strings.HasPrefix(strings.ToLower(title), normalized+":") {
			return title
		}
	}

	best, bestScore := "", -1
	for _, title := range titles {
		if score := tokenSortRatio(normalized, strings.ToLower(title)); score > bestScore {
			best, bestScore = title, score
		}
	}
	if bestScore >= minMatchScore {
		return best
	}
	return ""
}

// tokenSortRatio scores two strings 0-100 by sorting their word tokens and
// taking a normalized Levenshtein similarity. Word order therefore does not
// matter: "herbert dune" scores the same as "dune herbert".
func tokenSortRatio(a, b string) int {
	as, bs := sortTokens(a), sortTokens(b)
	if as == bs {
		return 100
	}
	longest := len([]rune(as))
	if l := len([]rune(bs)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	dist := fuzzy.LevenshteinDistance(as, bs)
	return (longest - dist) * 100 / longest
}

func sortTokens(s string) string {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
