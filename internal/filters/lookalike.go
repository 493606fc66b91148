package filters

import (
	"unicode"
	"unicode/utf8"
)

// LookalikeWords returns the mostly-Russian words of normalized text that
// contain glyphs from another script, such as a Latin "u" posing as "и".
func LookalikeWords(normalized string) []string {
	var found []string
	for _, word := range Words(normalized) {
		if isMaskedWord(word) {
			found = append(found, word)
		}
	}
	return found
}

func isMaskedWord(word string) bool {
	length := utf8.RuneCountInString(word)
	if length < 3 {
		return false
	}
	russian := 0
	masked := false
	for _, r := range word {
		switch {
		case isRussianLower(r):
			russian++
		case allowedInCyrillicWord(r):
		default:
			masked = true
		}
	}
	return masked && russian >= length/2
}

func isRussianLower(r rune) bool {
	return r >= 'а' && r <= 'я'
}

// allowedInCyrillicWord accepts other Cyrillic letters (Ukrainian, Serbian,
// Belarusian...), digits and the Latin i used in place of і.
func allowedInCyrillicWord(r rune) bool {
	return r == 'i' || (r >= '0' && r <= '9') || unicode.Is(unicode.Cyrillic, r)
}
