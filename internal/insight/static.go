package insight

import (
	"context"
	"strings"
)

// Static returns a fixed-format insight without calling any model. It backs
// local runs and tests.
type Static struct {
	prefix string
}

// NewStatic returns a Static generator; prefix defaults to "Summary:".
func NewStatic(prefix string) *Static {
	if prefix == "" {
		prefix = "Summary:"
	}
	return &Static{prefix: prefix}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Generate(_ context.Context, text string) (Insight, error) {
	first := strings.TrimSpace(text)
	if i := strings.IndexAny(first, ".!?\n"); i >= 0 {
		first = first[:i+1]
	}
	return Insight{
		Text:             s.prefix + " " + first,
		Model:            "static",
		PromptTokens:     EstimateTokens(text),
		CompletionTokens: EstimateTokens(first),
	}, nil
}
