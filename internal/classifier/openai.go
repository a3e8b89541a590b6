package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	GroqBaseURL = "https://api.groq.com/openai/v1"
	GroqModel   = "llama-3.3-70b-versatile"
	temperature = 0.1
	maxTokens   = 1000
)

// OpenAIConfig configures any OpenAI-compatible chat endpoint (Groq, OpenAI).
type OpenAIConfig struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type OpenAICompleter struct {
	client   *openai.Client
	model    string
	provider string
}

func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", cfg.Provider)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(oc), model: model, provider: provider}, nil
}

func (o *OpenAICompleter) Name() string { return o.provider }

func (o *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		if isOpenAIRateLimit(err) {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("%s completion: %w", o.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func isOpenAIRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests
}
