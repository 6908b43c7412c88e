// Package classifier holds the message classifiers used by the orchestrator,
// the supervisor and the context window manager.
//
// Every classifier is a small capability interface so callers can swap in
// fakes. Each implementation returns an explicit error instead of assuming
// the backing service is always available.
package classifier

import "context"

// SafetyClassifier flags prompt-injection and policy-violating input.
type SafetyClassifier interface {
	DetectInjection(ctx context.Context, text string) (bool, error)
}

// ChitchatClassifier flags low-value small talk.
type ChitchatClassifier interface {
	IsChitchat(ctx context.Context, text string) (bool, error)
}

// SimilarityScorer returns a semantic similarity in [0, 1].
type SimilarityScorer interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// ConstraintClassifier reports whether a message tries to force an outcome
// that the session constraints forbid.
type ConstraintClassifier interface {
	Violates(ctx context.Context, message string, constraints []string) (bool, error)
}
