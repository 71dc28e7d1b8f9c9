package matching

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/unicode/norm"
)

// NameSimilarity scores two account names in [0,1].
type NameSimilarity func(a, b string) float64

// Normalize folds an account name to NFKC lower case with punctuation
// replaced by single spaces.
func Normalize(name string) string {
	s := strings.ToLower(norm.NFKC.String(name))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// TokenDice is a soft Dice coefficient over normalized tokens where each
// token contributes its best Levenshtein ratio against the other side.
func TokenDice(a, b string) float64 {
	ta := strings.Fields(Normalize(a))
	tb := strings.Fields(Normalize(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	total := bestRatios(ta, tb) + bestRatios(tb, ta)
	return total / float64(len(ta)+len(tb))
}

func bestRatios(from, to []string) float64 {
	sum := 0.0
	for _, x := range from {
		best := 0.0
		for _, y := range to {
			if r := ratio(x, y); r > best {
				best = r
			}
		}
		sum += best
	}
	return sum
}

func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
}
