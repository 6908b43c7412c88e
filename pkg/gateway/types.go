package gateway

import (
	"context"

	"github.com/harun/coworker/pkg/orchestrator"
	"github.com/harun/coworker/pkg/session"
)

// ChatHandler answers one user message.
type ChatHandler interface {
	HandleMessage(ctx context.Context, userID, message string) (*orchestrator.Reply, error)
}

// SessionReader exposes read access to sessions.
type SessionReader interface {
	Get(ctx context.Context, userID string) (*session.State, error)
	Ping(ctx context.Context) error
}

// ChatRequest is the body of POST /v1/chat and of websocket chat frames.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	// ID is echoed back on websocket events.
	ID string `json:"id,omitempty"`
}

// MetaEvent opens a reply stream.
type MetaEvent struct {
	TurnID     string `json:"turn_id,omitempty"`
	Refused    bool   `json:"refused,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	HintUsed   bool   `json:"hint_used,omitempty"`
	Strictness string `json:"strictness,omitempty"`
	Documents  int    `json:"documents"`
}

// TokenEvent carries one streamed token.
type TokenEvent struct {
	Text string `json:"text"`
}

// DoneEvent closes a reply stream.
type DoneEvent struct {
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text"`
	BufferLen int    `json:"buffer_len"`
}

// ErrorEvent reports a failure on a stream or as a JSON error body.
type ErrorEvent struct {
	Error      string   `json:"error"`
	Retryable  bool     `json:"retryable"`
	RetryAfter float64  `json:"retry_after_seconds,omitempty"`
	Details    []string `json:"details,omitempty"`
}

// WSMessage is a websocket frame sent to the client.
type WSMessage struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}
