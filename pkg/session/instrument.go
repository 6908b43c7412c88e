package session

import (
	"context"
	"errors"
	"time"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "coworker/session"

// instrumented records latency and spans for every store operation.
type instrumented struct {
	inner  Store
	driver string
}

// Instrument wraps s so that each call is timed and traced under the given driver label.
func Instrument(s Store, driver string) Store {
	observability.EnsureRegistered()
	return &instrumented{inner: s, driver: driver}
}

func (s *instrumented) observe(ctx context.Context, op, userID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "session."+op,
		attribute.String("session.driver", s.driver),
		attribute.String("session.user_id", userID),
	)
	return ctx, func(err error) {
		observability.RecordStoreOp(s.driver, op, time.Since(start))
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTurnNotFound) {
			span.SetAttributes(attribute.Bool("session.not_found", true))
			err = nil
		}
		tracing.EndSpan(span, err)
	}
}

func (s *instrumented) GetOrCreate(ctx context.Context, userID string, profile Profile) (st *State, err error) {
	ctx, done := s.observe(ctx, "get_or_create", userID)
	defer func() { done(err) }()
	return s.inner.GetOrCreate(ctx, userID, profile)
}

func (s *instrumented) Get(ctx context.Context, userID string) (st *State, err error) {
	ctx, done := s.observe(ctx, "get", userID)
	defer func() { done(err) }()
	return s.inner.Get(ctx, userID)
}

func (s *instrumented) SetHint(ctx context.Context, userID, content string) (ok bool, err error) {
	ctx, done := s.observe(ctx, "set_hint", userID)
	defer func() { done(err) }()
	return s.inner.SetHint(ctx, userID, content)
}

func (s *instrumented) ConsumeHint(ctx context.Context, userID string) (hint string, ok bool, err error) {
	ctx, done := s.observe(ctx, "consume_hint", userID)
	defer func() { done(err) }()
	return s.inner.ConsumeHint(ctx, userID)
}

func (s *instrumented) IncrementResistance(ctx context.Context, userID string) (n int64, err error) {
	ctx, done := s.observe(ctx, "increment_resistance", userID)
	defer func() { done(err) }()
	return s.inner.IncrementResistance(ctx, userID)
}

func (s *instrumented) AppendTurn(ctx context.Context, turn Turn) (out Turn, err error) {
	ctx, done := s.observe(ctx, "append_turn", turn.UserID)
	defer func() { done(err) }()
	return s.inner.AppendTurn(ctx, turn)
}

func (s *instrumented) DeleteTurn(ctx context.Context, userID, turnID string) (err error) {
	ctx, done := s.observe(ctx, "delete_turn", userID)
	defer func() { done(err) }()
	return s.inner.DeleteTurn(ctx, userID, turnID)
}

func (s *instrumented) TurnCount(ctx context.Context, userID string) (n int, err error) {
	ctx, done := s.observe(ctx, "turn_count", userID)
	defer func() { done(err) }()
	return s.inner.TurnCount(ctx, userID)
}

func (s *instrumented) OldestTurns(ctx context.Context, userID string, n int) (turns []Turn, err error) {
	ctx, done := s.observe(ctx, "oldest_turns", userID)
	defer func() { done(err) }()
	return s.inner.OldestTurns(ctx, userID, n)
}

func (s *instrumented) ArchiveSummary(ctx context.Context, userID string, summary Summary) (err error) {
	ctx, done := s.observe(ctx, "archive_summary", userID)
	defer func() { done(err) }()
	return s.inner.ArchiveSummary(ctx, userID, summary)
}

func (s *instrumented) AppendHistory(ctx context.Context, userID string, entry HistoryEntry, limit int) (err error) {
	ctx, done := s.observe(ctx, "append_history", userID)
	defer func() { done(err) }()
	return s.inner.AppendHistory(ctx, userID, entry, limit)
}

func (s *instrumented) RecentHistory(ctx context.Context, userID string, n int) (entries []HistoryEntry, err error) {
	ctx, done := s.observe(ctx, "recent_history", userID)
	defer func() { done(err) }()
	return s.inner.RecentHistory(ctx, userID, n)
}

func (s *instrumented) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *instrumented) Close() error {
	return s.inner.Close()
}

// ExpireIdle forwards to the wrapped driver when it needs an explicit sweep.
func (s *instrumented) ExpireIdle(ctx context.Context, idle time.Duration) (int, error) {
	exp, ok := s.inner.(Expirer)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := exp.ExpireIdle(ctx, idle)
	observability.RecordStoreOp(s.driver, "expire_idle", time.Since(start))
	return n, err
}
