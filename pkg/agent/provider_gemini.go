package agent

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// GeminiProvider streams completions from Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Stream(ctx context.Context, request Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := make([]*genai.Content, 0, len(request.Messages))
		for _, msg := range request.Messages {
			role := genai.Role(genai.RoleUser)
			if msg.Role == "assistant" {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(msg.Content, role))
		}

		config := &genai.GenerateContentConfig{}
		if request.SystemPrompt != "" {
			config.SystemInstruction = genai.NewContentFromText(request.SystemPrompt, genai.RoleUser)
		}
		if request.Temperature > 0 {
			t := float32(request.Temperature)
			config.Temperature = &t
		}
		if request.MaxTokens > 0 {
			config.MaxOutputTokens = int32(request.MaxTokens)
		}

		for resp, err := range p.client.Models.GenerateContentStream(ctx, request.Model, contents, config) {
			if err != nil {
				yield("", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}
