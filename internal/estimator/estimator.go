// Package estimator implements the fixed character-to-token ratio spec.md
// §4.1 defines as a contract of the system, not an implementation detail:
// billing, budget limits, and quota returns all use this ratio instead of
// any particular provider's real tokenizer.
package estimator

import "unicode/utf8"

// CharsPerToken is the fixed approximation ratio: every 4 characters of
// text cost one token, rounded up.
const CharsPerToken = 4

// ImageTokens is the flat token cost attributed to each image content part.
const ImageTokens = 85

// Text returns the estimated token count for a string: ceil(len(s)/4),
// counted in runes so multi-byte UTF-8 text isn't over-counted.
func Text(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Part is one piece of structured message content: either text or an image
// placeholder (the actual image bytes/URL are irrelevant to estimation).
type Part struct {
	Text    string
	IsImage bool
}

// Content returns the estimated token count for structured content: the sum
// of its text parts plus ImageTokens for every image part.
func Content(parts []Part) int {
	total := 0
	for _, p := range parts {
		if p.IsImage {
			total += ImageTokens
			continue
		}
		total += Text(p.Text)
	}
	return total
}
