package knowledge

import (
	"context"
	"strings"
)

// Document is one retrieved passage.
type Document struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Title   string            `json:"title,omitempty"`
	Content string            `json:"content"`
	Score   float64           `json:"score"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Filter is a key/value predicate over document tags, e.g. {"competency": "relevant"}.
type Filter map[string]string

// Matches reports whether tags satisfy every key in f. Values compare case-insensitively.
func (f Filter) Matches(tags map[string]string) bool {
	for k, want := range f {
		got, ok := tags[k]
		if !ok || !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			return false
		}
	}
	return true
}

// Retriever returns up to limit documents for query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter Filter, limit int) ([]Document, error)
}
