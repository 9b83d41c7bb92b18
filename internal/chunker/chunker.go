// Package chunker splits request text into synthesis-safe segments. The split
// is pure and lossless: concatenating the returned chunks in order reproduces
// the input exactly, and no chunk exceeds the configured rune limit.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrEmptyText is returned for input that is empty or whitespace only.
var ErrEmptyText = errors.New("chunker: empty text")

// Split cuts text into ordered chunks of at most limit runes, preferring
// sentence ends, then whitespace, and hard-splitting at limit only when a
// window contains neither.
func Split(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("chunker: limit must be positive, got %d", limit)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := boundary(runes, limit)
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks, nil
}

// boundary picks the split index in (0, limit] for a window that is known to
// be longer than limit.
func boundary(runes []rune, limit int) int {
	sentence, space := -1, -1
	for i := 0; i < limit; i++ {
		r := runes[i]
		switch {
		case r == '。' || r == '！' || r == '？' || r == '…':
			sentence = i + 1
		case r == '.' || r == '!' || r == '?':
			// Only treat ASCII terminators followed by whitespace as sentence
			// ends, so "3.14" or "e.g" stay intact.
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				sentence = i + 1
			}
		case unicode.IsSpace(r):
			space = i + 1
		}
	}

	cut := limit
	if sentence > 0 {
		cut = sentence
	} else if space > 0 {
		cut = space
	}
	// Pull trailing whitespace into this chunk while it fits, so the next
	// chunk starts on content.
	for cut < limit && unicode.IsSpace(runes[cut]) {
		cut++
	}
	return cut
}
