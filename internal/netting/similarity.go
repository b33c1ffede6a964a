package netting

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]|【[^】]*】|<[^>]*>`)
	refundMarker  = regexp.MustCompile(`refund(ed)?|退款(成功)?|退货`)
	folder        = cases.Fold()
)

// unitCost makes every edit cost 1 so the distance never exceeds the longer string.
var unitCost = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// NormalizeCounterparty folds width and case, drops bracketed notes and refund
// markers, and keeps only letters and digits.
func NormalizeCounterparty(s string) string {
	s = width.Fold.String(s)
	s = folder.String(s)
	s = parenthetical.ReplaceAllString(s, " ")
	s = refundMarker.ReplaceAllString(s, " ")
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Similarity scores two counterparties in [0,1]. It is symmetric; two names
// that normalize to nothing score 0.
func Similarity(a, b string) float64 {
	ra := []rune(NormalizeCounterparty(a))
	rb := []rune(NormalizeCounterparty(b))

	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 || len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	dist := levenshtein.DistanceForStrings(ra, rb, unitCost)
	return 1 - float64(dist)/float64(longest)
}
