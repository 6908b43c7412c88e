package agent

import (
	"context"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider streams chat completions from OpenAI
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Stream(ctx context.Context, request Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(request.Messages)+1)
		if request.SystemPrompt != "" {
			messages = append(messages, openai.SystemMessage(request.SystemPrompt))
		}
		for _, msg := range request.Messages {
			switch msg.Role {
			case "user":
				messages = append(messages, openai.UserMessage(msg.Content))
			case "assistant":
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		}

		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(request.Model),
			Messages: messages,
		}
		if request.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(request.MaxTokens))
		}
		if request.Temperature > 0 {
			params.Temperature = openai.Float(request.Temperature)
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", err)
		}
	}
}
