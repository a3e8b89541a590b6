package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/deusflow/boroughnews/internal/classifier"
	"github.com/deusflow/boroughnews/internal/config"
)

// newCompleter picks the classifier backend for the configured provider.
// The returned close func may be nil.
func newCompleter(ctx context.Context, cfg *config.Config) (classifier.Completer, func() error, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	switch cfg.ClassifierProvider {
	case "groq":
		c, err := classifier.NewOpenAICompleter(classifier.OpenAIConfig{
			Provider:   "groq",
			APIKey:     cfg.GroqAPIKey,
			BaseURL:    cfg.GroqBaseURL,
			Model:      cfg.GroqModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "openai":
		c, err := classifier.NewOpenAICompleter(classifier.OpenAIConfig{
			Provider:   "openai",
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "gemini":
		c, err := classifier.NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown classifier provider %q", cfg.ClassifierProvider)
}
