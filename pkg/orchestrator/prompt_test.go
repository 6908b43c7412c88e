package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/coworker/pkg/knowledge"
	"github.com/harun/coworker/pkg/session"
)

func TestStrictnessFor(t *testing.T) {
	assert.Equal(t, StrictnessNormal, StrictnessFor(0))
	assert.Equal(t, StrictnessFirm, StrictnessFor(1))
	assert.Equal(t, StrictnessFirm, StrictnessFor(2))
	assert.Equal(t, StrictnessStrict, StrictnessFor(3))
	assert.Equal(t, StrictnessStrict, StrictnessFor(10))
}

func TestBuildRequest(t *testing.T) {
	st := &session.State{
		Persona:         "You are a mentor.",
		Constraints:     []string{"Never decide for the user."},
		ResistanceCount: 3,
		Buffer: []session.Turn{
			{Message: "What is APR?", Response: "The yearly cost of borrowing."},
		},
		Recall: []session.Summary{{Text: "User is saving for a car."}},
	}
	req := BuildRequest(PromptInput{
		State:     st,
		Hint:      "Ask what they already compared.",
		Documents: []knowledge.Document{{Source: "kb/loans.md", Title: "Loans", Content: "Compare total cost."}},
		Message:   "Which loan should I take?",
	})

	assert.Contains(t, req.SystemPrompt, "You are a mentor.")
	assert.Contains(t, req.SystemPrompt, "- Never decide for the user.")
	assert.Contains(t, req.SystemPrompt, strictnessDirectives[StrictnessStrict])
	assert.Contains(t, req.SystemPrompt, "Guidance for this reply: Ask what they already compared.")
	assert.Contains(t, req.SystemPrompt, "- User is saving for a car.")
	assert.Contains(t, req.SystemPrompt, "[1] Loans (kb/loans.md)\nCompare total cost.")

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "The yearly cost of borrowing.", req.Messages[1].Content)
	assert.Equal(t, "Which loan should I take?", req.Messages[2].Content)
}

func TestBuildRequestMinimal(t *testing.T) {
	req := BuildRequest(PromptInput{Message: "hi"})
	assert.Empty(t, req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
}
