package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/coworker/pkg/session"
)

type fakeProvider struct {
	name   string
	tokens []string
	// failAt is the index at which the stream errors; -1 never fails.
	failAt int
	err    error

	mu    sync.Mutex
	calls int
	last  Request
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	p.mu.Lock()
	p.calls++
	p.last = req
	p.mu.Unlock()
	return func(yield func(string, error) bool) {
		for i, tok := range p.tokens {
			if i == p.failAt {
				yield("", p.err)
				return
			}
			if !yield(tok, nil) {
				return
			}
		}
		if p.failAt >= len(p.tokens) {
			yield("", p.err)
		}
	}
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeFactory struct {
	providers map[string]Provider
}

func (f *fakeFactory) NewProvider(profile Profile) (Provider, error) {
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for %s", profile.ID)
	}
	return p, nil
}

func newTestGenerator(t *testing.T, providers map[string]Provider, profiles ...Profile) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		Profiles: profiles,
		Factory:  &fakeFactory{providers: providers},
		Logger:   zerolog.Nop(),
		Model:    "default-model",
		Cooldown: time.Minute,
	})
	require.NoError(t, err)
	return g
}

func TestNewGeneratorRequiresProfiles(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)
}

func TestStreamYieldsTokensInOrder(t *testing.T) {
	p := &fakeProvider{name: "a", tokens: []string{"Hel", "lo", "!"}, failAt: -1}
	g := newTestGenerator(t, map[string]Provider{"a": p}, Profile{ID: "a", Provider: "anthropic"})

	text, err := Collect(g.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", text)
	assert.Equal(t, "default-model", p.last.Model)
	assert.Equal(t, 2048, p.last.MaxTokens)
}

func TestStreamUsesProfileModel(t *testing.T) {
	p := &fakeProvider{name: "a", tokens: []string{"x"}, failAt: -1}
	g := newTestGenerator(t, map[string]Provider{"a": p}, Profile{ID: "a", Provider: "openai", Model: "gpt-4o-mini"})

	_, err := Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", p.last.Model)
}

func TestStreamFailsOverBeforeFirstToken(t *testing.T) {
	primary := &fakeProvider{name: "primary", failAt: 0, tokens: []string{"never"}, err: errors.New("503 overloaded")}
	backup := &fakeProvider{name: "backup", tokens: []string{"ok"}, failAt: -1}
	g := newTestGenerator(t,
		map[string]Provider{"primary": primary, "backup": backup},
		Profile{ID: "backup", Provider: "openai", Priority: 2},
		Profile{ID: "primary", Provider: "anthropic", Priority: 1},
	)

	text, err := Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 1, primary.callCount())

	// primary is now in cooldown and is skipped
	_, err = Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 2, backup.callCount())
}

func TestStreamCooldownExpires(t *testing.T) {
	primary := &fakeProvider{name: "primary", failAt: 0, tokens: []string{"x"}, err: errors.New("429 rate limit")}
	backup := &fakeProvider{name: "backup", tokens: []string{"ok"}, failAt: -1}
	g := newTestGenerator(t,
		map[string]Provider{"primary": primary, "backup": backup},
		Profile{ID: "primary", Provider: "anthropic", Priority: 1},
		Profile{ID: "backup", Provider: "openai", Priority: 2},
	)
	now := time.Now()
	g.now = func() time.Time { return now }

	_, err := Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, 2, primary.callCount())
}

func TestStreamDoesNotFailOverAfterFirstToken(t *testing.T) {
	primary := &fakeProvider{name: "primary", tokens: []string{"par", "tial"}, failAt: 1, err: errors.New("503 upstream")}
	backup := &fakeProvider{name: "backup", tokens: []string{"ok"}, failAt: -1}
	g := newTestGenerator(t,
		map[string]Provider{"primary": primary, "backup": backup},
		Profile{ID: "primary", Provider: "anthropic", Priority: 1},
		Profile{ID: "backup", Provider: "openai", Priority: 2},
	)

	text, err := Collect(g.Stream(context.Background(), Request{}))
	require.Error(t, err)
	assert.Equal(t, "par", text)
	assert.Zero(t, backup.callCount())
}

func TestStreamStopsOnPermanentError(t *testing.T) {
	primary := &fakeProvider{name: "primary", failAt: 0, tokens: []string{"x"}, err: errors.New("401 invalid api key")}
	backup := &fakeProvider{name: "backup", tokens: []string{"ok"}, failAt: -1}
	g := newTestGenerator(t,
		map[string]Provider{"primary": primary, "backup": backup},
		Profile{ID: "primary", Provider: "anthropic", Priority: 1},
		Profile{ID: "backup", Provider: "openai", Priority: 2},
	)

	_, err := Collect(g.Stream(context.Background(), Request{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Zero(t, backup.callCount())
}

func TestStreamAllProfilesFail(t *testing.T) {
	p := &fakeProvider{name: "a", failAt: 0, tokens: []string{"x"}, err: errors.New("502 bad gateway")}
	g := newTestGenerator(t, map[string]Provider{"a": p}, Profile{ID: "a", Provider: "anthropic"})

	_, err := Collect(g.Stream(context.Background(), Request{}))
	assert.ErrorIs(t, err, ErrNoProviders)

	// in cooldown: no provider is tried at all
	_, err = Collect(g.Stream(context.Background(), Request{}))
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Equal(t, 1, p.callCount())
}

func TestStreamEmptyOutputFailsOver(t *testing.T) {
	empty := &fakeProvider{name: "empty", failAt: -1}
	backup := &fakeProvider{name: "backup", tokens: []string{"ok"}, failAt: -1}
	g := newTestGenerator(t,
		map[string]Provider{"empty": empty, "backup": backup},
		Profile{ID: "empty", Provider: "gemini", Priority: 1},
		Profile{ID: "backup", Provider: "openai", Priority: 2},
	)

	text, err := Collect(g.Stream(context.Background(), Request{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestStreamConsumerCanStopEarly(t *testing.T) {
	p := &fakeProvider{name: "a", tokens: []string{"1", "2", "3"}, failAt: -1}
	g := newTestGenerator(t, map[string]Provider{"a": p}, Profile{ID: "a", Provider: "anthropic"})

	var got []string
	for tok, err := range g.Stream(context.Background(), Request{}) {
		require.NoError(t, err)
		got = append(got, tok)
		break
	}
	assert.Equal(t, []string{"1"}, got)
}

func TestSummarize(t *testing.T) {
	p := &fakeProvider{name: "a", tokens: []string{" The user ", "asked about budgets. "}, failAt: -1}
	g := newTestGenerator(t, map[string]Provider{"a": p}, Profile{ID: "a", Provider: "anthropic"})

	summary, err := g.Summarize(context.Background(), []session.Turn{
		{Message: "What's my budget?", Response: "Let's look at it together."},
		{Message: "How much can I spend?", Response: "What do you think?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "The user asked about budgets.", summary)
	require.Len(t, p.last.Messages, 1)
	assert.True(t, strings.Contains(p.last.Messages[0].Content, "How much can I spend?"))

	_, err = g.Summarize(context.Background(), nil)
	assert.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("status 429: rate limit")))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(ErrEmptyOutput))
	assert.False(t, IsRetryableError(errors.New("400 bad request")))
}
