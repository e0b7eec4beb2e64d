package insight

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens returns the cl100k_base token count of text, or the
// four-characters-per-token estimate when the encoding is unavailable.
func CountTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return EstimateTokens(text)
	}
	return max(1, len(enc.Encode(text, nil, nil)))
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return max(1, utf8.RuneCountInString(text)/4)
}
