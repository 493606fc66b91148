// Package filters implements the cheap text heuristics run before any oracle.
package filters

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.In(unicode.Lm)))

// Normalize lowercases text, replaces punctuation, symbols and emoji with
// spaces, drops invisible format characters, strips diacritics, then
// collapses and trims whitespace. Identical spam with cosmetic differences normalizes to the same
// string.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.IsSpace(r) || isStripped(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}

	result, _, err := transform.String(stripMarks, b.String())
	if err != nil {
		result = b.String()
	}
	// Marks and modifiers left alone between spaces vanish above.
	return strings.Join(strings.Fields(result), " ")
}

func isStripped(r rune) bool {
	return unicode.IsPunct(r) ||
		unicode.In(r, unicode.So, unicode.Sk, unicode.Sm, unicode.Sc, unicode.Cs) ||
		isEmoji(r)
}

// Words splits normalized text on whitespace.
func Words(normalized string) []string {
	return strings.Fields(normalized)
}
