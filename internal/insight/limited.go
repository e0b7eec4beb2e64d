package insight

import (
	"context"
	"errors"
	"fmt"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// ErrRateLimited is wrapped in a TransientExternalError when the shared
// provider quota is exhausted.
var ErrRateLimited = errors.New("provider rate limit reached")

// Limiter admits calls against a shared quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type limited struct {
	Generator
	limiter Limiter
}

// WithLimiter gates every Generate call on l, keyed by the provider name.
func WithLimiter(g Generator, l Limiter) Generator {
	if l == nil {
		return g
	}
	return &limited{Generator: g, limiter: l}
}

func (l *limited) Generate(ctx context.Context, text string) (Insight, error) {
	ok, err := l.limiter.Allow(ctx, "insight:"+l.Name())
	if err != nil {
		return Insight{}, &domain.TransientExternalError{Service: l.Name(), Err: err}
	}
	if !ok {
		return Insight{}, &domain.TransientExternalError{Service: l.Name(), Err: ErrRateLimited}
	}
	return l.Generator.Generate(ctx, text)
}

// Budget charges estimated tokens against a shared quota. Acquire returns the
// denial reason, or "" when the call was charged.
type Budget interface {
	Acquire(ctx context.Context, key string, tokens int) (string, error)
}

type budgeted struct {
	Generator
	budget     Budget
	completion int
	count      func(string) int
}

// WithBudget charges every Generate call the prompt tokens of its text plus
// completionTokens against b, keyed by the provider name.
func WithBudget(g Generator, b Budget, completionTokens int) Generator {
	if b == nil {
		return g
	}
	return &budgeted{Generator: g, budget: b, completion: completionTokens, count: CountTokens}
}

func (b *budgeted) Generate(ctx context.Context, text string) (Insight, error) {
	tokens := b.count(SystemPrompt) + b.count(text) + b.completion
	denied, err := b.budget.Acquire(ctx, "insight:"+b.Name(), tokens)
	if err != nil {
		return Insight{}, &domain.TransientExternalError{Service: b.Name(), Err: err}
	}
	if denied != "" {
		return Insight{}, &domain.TransientExternalError{Service: b.Name(), Err: fmt.Errorf("%w: %s", ErrRateLimited, denied)}
	}
	return b.Generator.Generate(ctx, text)
}
