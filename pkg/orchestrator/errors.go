package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// RefusalText is the only token of a reply refused by the safety gate.
const RefusalText = "I cannot process that request due to safety policies."

// ErrSessionUnavailable means the session store could not serve the turn.
// Callers may retry.
var ErrSessionUnavailable = errors.New("session store unavailable")

// GenerationError wraps a failed generation.
type GenerationError struct {
	Err error
	// Partial is set when some tokens had already been delivered.
	Partial bool
}

func (e *GenerationError) Error() string {
	if e.Partial {
		return fmt.Sprintf("generation interrupted: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether resending the message may succeed.
func (e *GenerationError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}
