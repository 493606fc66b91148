package filters

import (
	"bufio"
	"os"
	"strings"
)

type StopWords struct {
	words []string
}

// NewStopWords builds a matcher from inline words plus an optional file with
// one word or phrase per line.
func NewStopWords(words []string, path string) (*StopWords, error) {
	s := &StopWords{}
	for _, word := range words {
		s.add(word)
	}
	if path == "" {
		return s, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		s.add(scanner.Text())
	}
	return s, scanner.Err()
}

func (s *StopWords) add(word string) {
	word = strings.TrimSpace(Normalize(word))
	if word == "" {
		return
	}
	s.words = append(s.words, word)
}

// Match returns the first stop word contained in normalized text.
func (s *StopWords) Match(normalized string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, word := range s.words {
		if strings.Contains(normalized, word) {
			return word, true
		}
	}
	return "", false
}

func (s *StopWords) Len() int {
	if s == nil {
		return 0
	}
	return len(s.words)
}
