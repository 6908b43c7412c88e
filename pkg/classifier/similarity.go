package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/coworker/pkg/embedding"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "to": true, "of": true, "and": true, "or": true, "in": true, "on": true,
	"at": true, "for": true, "with": true, "do": true, "does": true, "did": true,
	"i": true, "me": true, "my": true, "you": true, "your": true, "it": true, "its": true,
	"what": true, "whats": true, "what's": true, "how": true, "can": true, "could": true,
	"would": true, "should": true, "this": true, "that": true, "please": true,
}

// LexicalSimilarity scores two texts by the cosine of their term-frequency
// vectors after stopword removal and suffix stripping.
type LexicalSimilarity struct{}

func (LexicalSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return lexicalCosine(terms(a), terms(b)), nil
}

func terms(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, w := range strings.Fields(normalize(text)) {
		if stopwords[w] {
			continue
		}
		tf[stem(w)]++
	}
	return tf
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suffix)+2 && strings.HasSuffix(w, suffix) {
			return strings.TrimSuffix(w, suffix)
		}
	}
	return w
}

func lexicalCosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for t, v := range a {
		dot += v * b[t]
		na += v * v
	}
	for _, v := range b {
		nb += v * v
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EmbeddingSimilarity scores texts by the cosine of their embeddings.
// When the embedder fails and a fallback is set, the fallback score is used.
type EmbeddingSimilarity struct {
	embedder embedding.Embedder
	fallback SimilarityScorer
	logger   zerolog.Logger
}

// NewEmbeddingSimilarity creates a scorer. fallback may be nil.
func NewEmbeddingSimilarity(e embedding.Embedder, fallback SimilarityScorer, logger zerolog.Logger) *EmbeddingSimilarity {
	return &EmbeddingSimilarity{
		embedder: e,
		fallback: fallback,
		logger:   logger.With().Str("component", "similarity").Logger(),
	}
}

func (s *EmbeddingSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	vecs, err := s.embedder.Embed(ctx, []string{a, b})
	if err == nil && len(vecs) != 2 {
		err = fmt.Errorf("expected 2 embeddings, got %d", len(vecs))
	}
	if err != nil {
		if s.fallback == nil || ctx.Err() != nil {
			return 0, fmt.Errorf("embed: %w", err)
		}
		s.logger.Warn().Err(err).Msg("Embedding similarity unavailable, using lexical fallback")
		return s.fallback.Similarity(ctx, a, b)
	}

	score, err := embedding.Cosine(vecs[0], vecs[1])
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(1, score)), nil
}
