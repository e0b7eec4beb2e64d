// Package chunker splits extracted document text into bounded chunks.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultMaxChars is the chunk limit used when none is configured.
const DefaultMaxChars = 4800

var sentenceEnds = [][2]rune{{'.', ' '}, {'!', ' '}, {'?', ' '}, {'\n', '\n'}}

// Chunker splits text into chunks of at most maxChars characters.
type Chunker struct {
	maxChars int
}

// New returns a Chunker. maxChars <= 0 selects DefaultMaxChars.
func New(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chunker{maxChars: maxChars}
}

// MaxChars returns the configured limit.
func (c *Chunker) MaxChars() int { return c.maxChars }

// Split returns the ordered, non-empty chunks of text. Lengths are counted in
// characters (runes), not bytes. A break is placed at the last sentence or
// paragraph end inside the final fifth of the window, else at the last
// whitespace or punctuation there, else the window is cut hard.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	limit := c.maxChars

	var chunks []string
	for cur := 0; cur < n; {
		end := min(cur+limit, n)
		if end < n {
			end = breakPoint(runes, cur, end, cur+limit*4/5)
		}
		if chunk := strings.TrimFunc(string(runes[cur:end]), unicode.IsSpace); chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur = end
	}
	return chunks
}

// breakPoint picks the end of the chunk starting at cur whose hard limit is end.
// The returned index is always in (cur, end].
func breakPoint(runes []rune, cur, end, searchStart int) int {
	searchStart = max(searchStart, cur)
	for i := end; i > searchStart; i-- {
		pair := [2]rune{runes[i-1], runes[i]}
		for _, se := range sentenceEnds {
			if pair == se {
				return i
			}
		}
	}
	for i := end - 1; i >= searchStart; i-- {
		if strings.ContainsRune(".!?\n ", runes[i]) {
			return i + 1
		}
	}
	return end
}

// Split chunks text with the given limit.
func Split(text string, maxChars int) []string {
	return New(maxChars).Split(text)
}
