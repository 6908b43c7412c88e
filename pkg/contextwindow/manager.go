package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/classifier"
	"github.com/harun/coworker/pkg/session"
)

const tracerName = "coworker.contextwindow"

// ErrSummarize is returned when the overflow block could not be summarized.
// The turn itself was recorded.
var ErrSummarize = errors.New("summarize overflow block")

// MemoryState is the position of a session buffer in its lifecycle.
type MemoryState string

const (
	StateEmpty        MemoryState = "EMPTY"
	StateAccumulating MemoryState = "ACCUMULATING"
	StatePruned       MemoryState = "PRUNED"
	StateOverflow     MemoryState = "OVERFLOW"
	StateSummarizing  MemoryState = "SUMMARIZING"
)

// Summarizer compresses a block of turns into recall text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []session.Turn) (string, error)
}

// Config holds manager configuration
type Config struct {
	Store      session.Store
	Chitchat   classifier.ChitchatClassifier
	Summarizer Summarizer
	Logger     zerolog.Logger
	MaxBuffer  int
	BatchSize  int
}

// Outcome describes what RecordTurn did.
type Outcome struct {
	Turn       session.Turn
	Appended   bool
	Pruned     bool
	Summarized int
	BufferLen  int
	State      MemoryState
	// Path lists every state the buffer passed through, in order.
	Path []MemoryState
}

func (o *Outcome) enter(s MemoryState) {
	o.State = s
	o.Path = append(o.Path, s)
}

// Manager owns buffer mutations for all sessions.
type Manager struct {
	store      session.Store
	chitchat   classifier.ChitchatClassifier
	summarizer Summarizer
	logger     zerolog.Logger
	maxBuffer  int
	batchSize  int
}

// New creates a context window manager.
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchSize > cfg.MaxBuffer {
		return nil, fmt.Errorf("batch size %d exceeds max buffer %d", cfg.BatchSize, cfg.MaxBuffer)
	}

	return &Manager{
		store:      cfg.Store,
		chitchat:   cfg.Chitchat,
		summarizer: cfg.Summarizer,
		logger:     cfg.Logger.With().Str("component", "contextwindow").Logger(),
		maxBuffer:  cfg.MaxBuffer,
		batchSize:  cfg.BatchSize,
	}, nil
}

// StateFor maps a buffer length to its resting state.
func (m *Manager) StateFor(bufferLen int) MemoryState {
	switch {
	case bufferLen == 0:
		return StateEmpty
	case bufferLen > m.maxBuffer:
		return StateOverflow
	default:
		return StateAccumulating
	}
}

// RecordTurn appends turn to its session buffer, prunes it again if it is
// small talk and summarizes the oldest block while the buffer is over the limit.
func (m *Manager) RecordTurn(ctx context.Context, turn session.Turn) (out Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "contextwindow.record_turn",
		attribute.String("user_id", turn.UserID),
		attribute.String("turn_id", turn.ID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	stored, err := m.store.AppendTurn(ctx, turn)
	if err != nil {
		return out, fmt.Errorf("append turn: %w", err)
	}
	out.Turn = stored
	out.Appended = true
	out.enter(StateAccumulating)

	if m.isChitchat(ctx, logger, stored.Message) {
		if err := m.store.DeleteTurn(ctx, stored.UserID, stored.ID); err != nil {
			return out, fmt.Errorf("prune turn: %w", err)
		}
		out.Pruned = true
		out.enter(StatePruned)
		observability.RecordContextOutcome("pruned")
	}

	count, err := m.store.TurnCount(ctx, stored.UserID)
	if err != nil {
		return out, fmt.Errorf("turn count: %w", err)
	}

	for count > m.maxBuffer {
		out.enter(StateOverflow)
		out.enter(StateSummarizing)

		n, err := m.summarizeOldest(ctx, stored.UserID)
		if err != nil {
			observability.RecordContextOutcome("summarize_failed")
			logger.Warn().Err(err).Int("buffer_len", count).Msg("Summarization failed, buffer left unchanged")
			out.BufferLen = count
			out.enter(StateOverflow)
			return out, fmt.Errorf("%w: %w", ErrSummarize, err)
		}
		observability.RecordContextOutcome("summarized")
		out.Summarized += n
		count -= n
		out.enter(StateAccumulating)
	}

	out.BufferLen = count
	if !out.Pruned && out.Summarized == 0 {
		observability.RecordContextOutcome("appended")
	}
	if count == 0 {
		out.enter(StateEmpty)
	}
	logger.Debug().
		Bool("pruned", out.Pruned).
		Int("summarized", out.Summarized).
		Int("buffer_len", out.BufferLen).
		Str("state", string(out.State)).
		Msg("Turn recorded")
	return out, nil
}

// isChitchat treats classifier failures as meaningful content so nothing is lost.
func (m *Manager) isChitchat(ctx context.Context, logger zerolog.Logger, message string) bool {
	if m.chitchat == nil {
		return false
	}
	ok, err := m.chitchat.IsChitchat(ctx, message)
	if err != nil {
		logger.Warn().Err(err).Msg("Chitchat classifier failed, keeping turn")
		return false
	}
	return ok
}

func (m *Manager) summarizeOldest(ctx context.Context, userID string) (int, error) {
	oldest, err := m.store.OldestTurns(ctx, userID, m.batchSize)
	if err != nil {
		return 0, fmt.Errorf("oldest turns: %w", err)
	}
	if len(oldest) == 0 {
		return 0, fmt.Errorf("buffer is empty")
	}

	text, err := m.summarizer.Summarize(ctx, oldest)
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, fmt.Errorf("empty summary")
	}

	id, err := gonanoid.New()
	if err != nil {
		return 0, fmt.Errorf("summary id: %w", err)
	}
	ids := make([]string, len(oldest))
	for i, t := range oldest {
		ids[i] = t.ID
	}
	summary := session.Summary{ID: id, Text: text, TurnIDs: ids, CreatedAt: time.Now().UTC()}
	if err := m.store.ArchiveSummary(ctx, userID, summary); err != nil {
		return 0, fmt.Errorf("archive summary: %w", err)
	}
	return len(oldest), nil
}
