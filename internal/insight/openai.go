package insight

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const (
	defaultOpenAIModel = "openai/gpt-oss-120b"
	defaultGroqBaseURL = "https://api.groq.com/openai/v1"
	defaultMaxTokens   = 1400
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. The
// default base URL is Groq's.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("insight api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultGroqBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{
		client: openai.NewClient(
			option.WithAPIKey(key),
			option.WithBaseURL(base),
			option.WithMaxRetries(0), // retries belong to the executor
		),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Generate(ctx context.Context, text string) (Insight, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(text),
		},
		MaxTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return Insight{}, classify(o.Name(), status, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Insight{}, errors.New("openai: no content returned")
	}
	return Insight{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
