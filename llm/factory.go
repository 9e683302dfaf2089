package llm

import (
	"context"

	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
)

// Backends lists the backend names NewClient accepts.
func Backends() []string {
	names := []string{"anthropic", "gemini", "bedrock", "mock"}
	for name := range compatibleBackends {
		names = append(names, name)
	}
	return names
}

// NewClient builds the client for backend using the settings in cfg.
// Backends not known by name but configured with a base_url are treated
// as OpenAI-compatible.
func NewClient(ctx context.Context, cfg *config.Config, backend string) (LLMClient, error) {
	settings := cfg.BackendSettings(backend)
	switch backend {
	case "mock", "":
		return Echo{}, nil
	case "anthropic":
		return NewAnthropicClient(settings.APIKeyEnv)
	case "gemini":
		return NewGeminiClient(ctx, settings.APIKeyEnv)
	case "bedrock":
		return NewBedrockClient(ctx)
	}
	if _, ok := compatibleBackends[backend]; ok || settings.BaseURL != "" {
		return NewOpenAIClient(OpenAIOptions{
			Backend:         backend,
			BaseURL:         settings.BaseURL,
			APIKeyEnv:       settings.APIKeyEnv,
			TextToolResults: settings.TextToolResults,
		})
	}
	return nil, errors.New("unknown LLM backend %q", backend)
}
