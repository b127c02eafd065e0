package coqui

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitSentences cuts text after every '.', '!' or '?' that ends the text
// or is followed by whitespace, so "3.50" stays whole. Pieces are trimmed
// and blanks dropped.
func splitSentences(text string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	start := 0
	for i := 0; i < len(text); i++ {
		if !strings.ContainsRune(".!?", rune(text[i])) {
			continue
		}
		if next, _ := utf8.DecodeRuneInString(text[i+1:]); i+1 < len(text) && !unicode.IsSpace(next) {
			continue
		}
		add(text[start : i+1])
		start = i + 1
	}
	add(text[start:])
	return out
}
