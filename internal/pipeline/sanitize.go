package pipeline

import (
	"regexp"
	"strings"
)

var (
	imageRegex    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRegex     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	bareURLRegex  = regexp.MustCompile(`https?://\S+`)
	lineMarkRegex = regexp.MustCompile(`(?m)^[ \t]*(?:[-+>]|\d+\.)[ \t]+`)
	emojiRegex    = regexp.MustCompile(`[\p{So}\p{Sk}\p{Cs}\x{FE0F}\x{200D}\x{20E3}]`)
	spacesRegex   = regexp.MustCompile(`\s+`)
)

var markupReplacer = strings.NewReplacer(
	"*", "",
	"#", "",
	"_", "",
	"~", "",
	"`", "",
)

// Sanitize turns a model reply into text fit for speech synthesis: link
// targets, list and quote markers, markdown emphasis characters and emoji are
// removed and all whitespace is collapsed to single spaces.
func Sanitize(text string) string {
	text = removeLinks(text)
	text = lineMarkRegex.ReplaceAllString(text, "")
	text = markupReplacer.Replace(text)
	text = emojiRegex.ReplaceAllString(text, "")
	text = spacesRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// removeLinks keeps the visible text of markdown links and images and drops
// bare URLs.
func removeLinks(text string) string {
	text = imageRegex.ReplaceAllString(text, "$1")
	text = linkRegex.ReplaceAllString(text, "$1")
	return bareURLRegex.ReplaceAllString(text, "")
}

// HasMarkup reports whether text still contains characters Sanitize removes.
func HasMarkup(text string) bool {
	return strings.ContainsAny(text, "*#_~`") || emojiRegex.MatchString(text) || bareURLRegex.MatchString(text)
}
