package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

var (
	// ErrNoProviders means every profile is in cooldown or none is configured.
	ErrNoProviders = errors.New("no generation provider available")
	ErrEmptyOutput = errors.New("provider returned no text")
)

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request contains the parameters for one streamed generation.
type Request struct {
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Temperature  float64   `json:"temperature,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// Profile represents credentials for one LLM provider
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai", "gemini"
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`

	cooldownUntil time.Time
	failureCount  int
}

// IsRetryableError checks if another provider might succeed where this one failed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyOutput) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
