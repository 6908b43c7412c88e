package agent

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/session"
)

const tracerName = "coworker.agent"

// Config holds generator configuration
type Config struct {
	Profiles     []Profile
	Factory      ProviderCreator
	Logger       zerolog.Logger
	Model        string
	SummaryModel string
	Temperature  float64
	MaxTokens    int
	// Cooldown is the base penalty for a failed profile, multiplied by its
	// consecutive failure count.
	Cooldown time.Duration
}

// Generator streams completions across prioritized provider profiles.
type Generator struct {
	factory ProviderCreator
	logger  zerolog.Logger
	cfg     Config

	mu        sync.Mutex
	profiles  []Profile
	providers map[string]Provider
	now       func() time.Time
}

// NewGenerator creates a new generator
func NewGenerator(cfg Config) (*Generator, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	profiles := slices.Clone(cfg.Profiles)
	slices.SortStableFunc(profiles, func(a, b Profile) int { return a.Priority - b.Priority })

	return &Generator{
		factory:   cfg.Factory,
		logger:    cfg.Logger.With().Str("component", "generator").Logger(),
		cfg:       cfg,
		profiles:  profiles,
		providers: make(map[string]Provider),
		now:       time.Now,
	}, nil
}

// Stream yields tokens from the first healthy profile. A profile that fails
// before producing a token is put in cooldown and the next one is tried; an
// error after the first token ends the stream.
func (g *Generator) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		logger := tracing.LoggerFromContext(ctx, g.logger)
		var lastErr error

		for _, profile := range g.snapshot() {
			if g.now().Before(profile.cooldownUntil) {
				observability.SetProviderCooldown(profile.Provider, true)
				logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
				continue
			}

			provider, err := g.provider(profile)
			if err != nil {
				lastErr = err
				logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
				g.markFailure(profile.ID)
				continue
			}

			started, err := g.streamWith(ctx, provider, g.request(req, profile), yield)
			if err == nil {
				g.markSuccess(profile.ID)
				return
			}
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Bool("started", started).Err(err).Msg("Provider failed")

			if started {
				yield("", err)
				return
			}
			g.markFailure(profile.ID)
			if ctx.Err() != nil || !IsRetryableError(err) {
				yield("", err)
				return
			}
		}

		if lastErr == nil {
			yield("", ErrNoProviders)
			return
		}
		logger.Error().Err(lastErr).Msg("All provider profiles failed")
		yield("", fmt.Errorf("%w: %w", ErrNoProviders, lastErr))
	}
}

// streamWith forwards tokens from one provider and reports whether any token
// was forwarded. A consumer that stops early is not an error.
func (g *Generator) streamWith(ctx context.Context, provider Provider, req Request, yield func(string, error) bool) (started bool, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.stream",
		attribute.String("provider", provider.Name()),
		attribute.String("model", req.Model),
	)
	start := time.Now()
	defer func() {
		observability.RecordGeneration(provider.Name(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	for token, streamErr := range provider.Stream(ctx, req) {
		if streamErr != nil {
			return started, streamErr
		}
		started = true
		if !yield(token, nil) {
			return true, nil
		}
	}
	if !started {
		return false, ErrEmptyOutput
	}
	return true, nil
}

func (g *Generator) request(req Request, profile Profile) Request {
	if req.Model == "" {
		req.Model = profile.Model
	}
	if req.Model == "" {
		req.Model = g.cfg.Model
	}
	if req.Temperature == 0 {
		req.Temperature = g.cfg.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.cfg.MaxTokens
	}
	return req
}

func (g *Generator) snapshot() []Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.profiles)
}

func (g *Generator) provider(profile Profile) (Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := g.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	g.providers[profile.ID] = p
	return p, nil
}

func (g *Generator) markSuccess(profileID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.profiles {
		if g.profiles[i].ID == profileID {
			g.profiles[i].failureCount = 0
			g.profiles[i].cooldownUntil = time.Time{}
			observability.SetProviderCooldown(g.profiles[i].Provider, false)
			return
		}
	}
}

func (g *Generator) markFailure(profileID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.profiles {
		if g.profiles[i].ID == profileID {
			g.profiles[i].failureCount++
			g.profiles[i].cooldownUntil = g.now().Add(g.cfg.Cooldown * time.Duration(g.profiles[i].failureCount))
			observability.SetProviderCooldown(g.profiles[i].Provider, true)
			return
		}
	}
}

// Summarize compresses turns into a short recall summary.
func (g *Generator) Summarize(ctx context.Context, turns []session.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", t.Message, t.Response)
	}

	req := Request{
		Model: g.cfg.SummaryModel,
		SystemPrompt: "Summarize the conversation excerpt in at most five sentences. " +
			"Keep decisions, open questions and facts the user shared. Do not add advice.",
		Messages:    []Message{{Role: "user", Content: b.String()}},
		Temperature: 0.2,
		MaxTokens:   512,
	}
	text, err := Collect(g.Stream(ctx, req))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Collect drains a token stream into the full text.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for token, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(token)
	}
	return b.String(), nil
}
