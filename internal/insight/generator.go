// Package insight turns a chunk of document text into an explanation produced
// by a large language model.
package insight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// SystemPrompt steers every provider towards the same kind of answer.
const SystemPrompt = "Given some text, elaborate and explain it without jargon. If applicable, recommend concepts " +
	"to brush up on and additional resources for comprehensive understanding. " +
	"Complete the response within the max token limit."

// Insight is one generated answer.
type Insight struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator produces an insight for a chunk of text.
type Generator interface {
	Generate(ctx context.Context, text string) (Insight, error)
	// Name identifies the provider in logs, metrics and rate-limit keys.
	Name() string
}

// Config selects and parameterises a provider.
type Config struct {
	Provider  string // openai | anthropic | static
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// New builds the Generator named by cfg.Provider.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "groq", "":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "static":
		return NewStatic(""), nil
	default:
		return nil, fmt.Errorf("unknown insight provider %q", cfg.Provider)
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *domain.TransientExternalError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify wraps provider errors: throttling, server failures and timeouts
// become TransientExternalError; everything else is returned as-is.
func classify(service string, status int, err error) error {
	if err == nil {
		return nil
	}
	if status == 429 || status >= 500 || IsTransient(err) {
		return &domain.TransientExternalError{Service: service, Err: err}
	}
	return fmt.Errorf("%s: %w", service, err)
}
