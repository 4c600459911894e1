package chat

import "strings"

const (
	defaultTitle   = "New Chat"
	titleMaxLength = 50
	titleMaxWords  = 10
)

// FormatTitle derives a conversation title from free text: the first few
// words, capped in length, with a default for empty input.
func FormatTitle(text string) string {
	trimmed := ClampWords(text, titleMaxWords)
	if trimmed == "" {
		return defaultTitle
	}
	runes := []rune(trimmed)
	if len(runes) <= titleMaxLength {
		return trimmed
	}
	return string(runes[:titleMaxLength]) + "..."
}

// ClampWords limits text to the first maxWords whitespace-separated words.
// Non-positive maxWords returns the trimmed text unchanged.
func ClampWords(text string, maxWords int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || maxWords <= 0 {
		return trimmed
	}
	words := strings.Fields(trimmed)
	if len(words) <= maxWords {
		return trimmed
	}
	return strings.Join(words[:maxWords], " ")
}
