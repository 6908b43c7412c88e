package agent

import (
	"context"
	"fmt"
	"iter"
)

// Provider is an interface for streaming LLM API providers
type Provider interface {
	// Stream yields text deltas until the completion ends or fails.
	Stream(ctx context.Context, request Request) iter.Seq2[string, error]

	// Name returns the provider name
	Name() string
}

// ProviderCreator creates providers from profiles.
type ProviderCreator interface {
	NewProvider(profile Profile) (Provider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a new provider based on the profile
func (f *ProviderFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	case "gemini":
		return NewGeminiProvider(context.Background(), profile.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
