package capability

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold reduces an identifier or label to a comparison key: accents are
// stripped, case is folded and every run of non-alphanumeric characters
// collapses to a single space.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = cases.Fold().String(stripped)

	var b strings.Builder
	b.Grow(len(stripped))
	space := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Tokens splits a folded string into words.
func Tokens(s string) []string {
	return strings.Fields(Fold(s))
}
