package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
	seen  []string
	err   error
}

func (e *countingEmbedder) Dimension() int { return 2 }

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.seen = append(e.seen, texts...)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func TestCachedEmbedsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCached(inner, 8)

	first, err := c.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), []string{"bb", "ccc"})
	require.NoError(t, err)

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, []float32{3, 1}, second[1])
	assert.Equal(t, []string{"a", "bb", "ccc"}, inner.seen)
	assert.InDelta(t, 0.25, c.HitRate(), 1e-9)
}

func TestCachedEvictsOldest(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCached(inner, 1)

	_, err := c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), []string{"b"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedPropagatesErrors(t *testing.T) {
	c := NewCached(&countingEmbedder{err: errors.New("quota")}, 4)
	_, err := c.Embed(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	v, err := Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)

	v, err = Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-9)

	v, err = Cosine([]float32{0, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = Cosine([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
