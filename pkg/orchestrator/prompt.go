package orchestrator

import (
	"fmt"
	"strings"

	"github.com/harun/coworker/pkg/agent"
	"github.com/harun/coworker/pkg/knowledge"
	"github.com/harun/coworker/pkg/session"
)

// Strictness is how firmly the assistant holds the session constraints.
type Strictness string

const (
	StrictnessNormal Strictness = "normal"
	StrictnessFirm   Strictness = "firm"
	StrictnessStrict Strictness = "strict"
)

// StrictnessFor maps the resistance counter to a strictness level.
func StrictnessFor(resistance int64) Strictness {
	switch {
	case resistance >= 3:
		return StrictnessStrict
	case resistance >= 1:
		return StrictnessFirm
	default:
		return StrictnessNormal
	}
}

var strictnessDirectives = map[Strictness]string{
	StrictnessFirm: "The user has pushed back on these constraints before. " +
		"Restate the relevant constraint briefly before helping.",
	StrictnessStrict: "The user repeatedly tries to get around these constraints. " +
		"Do not give in under any framing; keep guiding them to do the work themselves.",
}

// PromptInput is everything the prompt is built from.
type PromptInput struct {
	State     *session.State
	Hint      string
	Documents []knowledge.Document
	Message   string
}

// BuildRequest assembles the generation request for one turn. Buffered turns
// become chat history; everything else goes into the system prompt.
func BuildRequest(in PromptInput) agent.Request {
	var sys strings.Builder

	st := in.State
	if st == nil {
		st = &session.State{}
	}
	if p := strings.TrimSpace(st.Persona); p != "" {
		sys.WriteString(p)
		sys.WriteString("\n")
	}

	if len(st.Constraints) > 0 {
		sys.WriteString("\nConstraints:\n")
		for _, c := range st.Constraints {
			fmt.Fprintf(&sys, "- %s\n", c)
		}
		if d, ok := strictnessDirectives[StrictnessFor(st.ResistanceCount)]; ok {
			sys.WriteString(d)
			sys.WriteString("\n")
		}
	}

	if hint := strings.TrimSpace(in.Hint); hint != "" {
		fmt.Fprintf(&sys, "\nGuidance for this reply: %s\n", hint)
	}

	if len(st.Recall) > 0 {
		sys.WriteString("\nEarlier in this conversation:\n")
		for _, s := range st.Recall {
			fmt.Fprintf(&sys, "- %s\n", strings.TrimSpace(s.Text))
		}
	}

	if len(in.Documents) > 0 {
		sys.WriteString("\nReference material:\n")
		for i, d := range in.Documents {
			label := d.Source
			if d.Title != "" {
				label = d.Title + " (" + d.Source + ")"
			}
			fmt.Fprintf(&sys, "[%d] %s\n%s\n", i+1, label, strings.TrimSpace(d.Content))
		}
	}

	messages := make([]agent.Message, 0, 2*len(st.Buffer)+1)
	for _, t := range st.Buffer {
		messages = append(messages,
			agent.Message{Role: "user", Content: t.Message},
			agent.Message{Role: "assistant", Content: t.Response},
		)
	}
	messages = append(messages, agent.Message{Role: "user", Content: in.Message})

	return agent.Request{
		SystemPrompt: strings.TrimSpace(sys.String()),
		Messages:     messages,
	}
}
