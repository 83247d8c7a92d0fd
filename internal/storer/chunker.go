package storer

import (
	"strings"

	"github.com/kestrel-labs/memoryrouter/internal/estimator"
)

// DefaultSoftLimitTokens is the target chunk size from spec.md §4.6: "a
// default soft limit ≈ 4,000 tokens of estimated length".
const DefaultSoftLimitTokens = 4000

// Split breaks text into chunks no larger than softLimitTokens (by the
// estimator's char/4 measure) wherever possible, preferring paragraph
// boundaries, then sentence boundaries, then a hard cut.
func Split(text string, softLimitTokens int) []string {
	if softLimitTokens <= 0 {
		softLimitTokens = DefaultSoftLimitTokens
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if estimator.Text(text) <= softLimitTokens {
		return []string{text}
	}

	var out []string
	for _, p := range splitOn(text, "\n\n") {
		out = append(out, packOrSplit(p, softLimitTokens, "\n\n", splitSentences)...)
	}
	return pack(out, softLimitTokens)
}

func splitSentences(p string) []string {
	return splitOn(p, ". ")
}

// packOrSplit recurses one level down (paragraph -> sentence -> hard cut)
// when a single unit is still over the limit on its own.
func packOrSplit(unit string, limit int, joiner string, next func(string) []string) []string {
	if estimator.Text(unit) <= limit {
		return []string{unit}
	}
	if next != nil {
		var out []string
		for _, s := range next(unit) {
			out = append(out, packOrSplit(s, limit, ". ", nil)...)
		}
		return out
	}
	return hardSplit(unit, limit)
}

// pack greedily concatenates adjacent small units back up to the soft
// limit, so a document of many short paragraphs doesn't become one chunk
// per paragraph.
func pack(units []string, limit int) []string {
	var out []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curTokens = 0
		}
	}
	for _, u := range units {
		uTokens := estimator.Text(u)
		if curTokens > 0 && curTokens+uTokens > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(u)
		curTokens += uTokens
	}
	flush()
	return out
}

// hardSplit cuts text at a fixed rune count when no natural boundary keeps
// it under the limit.
func hardSplit(text string, limit int) []string {
	maxRunes := limit * estimator.CharsPerToken
	if maxRunes <= 0 {
		maxRunes = 1
	}
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := maxRunes
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[:n])))
		runes = runes[n:]
	}
	return out
}

func splitOn(text, sep string) []string {
	parts := strings.Split(text, sep)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
