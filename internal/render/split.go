package render

import (
	"html"
	"regexp"
	"strings"
)

// DefaultMaxLength is the largest message the chat transport accepts, in runes.
const DefaultMaxLength = 4000

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Split cuts text into chunks of at most max runes on line boundaries. A single
// line longer than max is cut inside the line, but never inside an entity or tag.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxLength
	}
	if runeLen(text) <= max {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimSuffix(cur.String(), "\n"))
		}
		cur.Reset()
		curLen = 0
	}
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		for len(r) > max {
			flush()
			cut := safeCut(r, max)
			chunks = append(chunks, string(r[:cut]))
			r = r[cut:]
		}
		if curLen+len(r)+1 > max {
			flush()
		}
		cur.WriteString(string(r))
		cur.WriteByte('\n')
		curLen += len(r) + 1
	}
	flush()
	return chunks
}

// Plain strips markup and decodes entities so that a chunk can be sent unformatted.
func Plain(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, ""))
}

func runeLen(s string) int { return len([]rune(s)) }

// safeCut moves a cut at max back to before an unterminated entity or tag.
func safeCut(r []rune, max int) int {
	cut := max
	if i := lastUnclosed(r[:cut], '&', ';'); i > 0 {
		cut = i
	}
	if i := lastUnclosed(r[:cut], '<', '>'); i > 0 {
		cut = i
	}
	return cut
}

func lastUnclosed(r []rune, open, close rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		switch r[i] {
		case close:
			return -1
		case open:
			return i
		}
	}
	return -1
}
