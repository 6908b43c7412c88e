package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/classifier"
	"github.com/harun/coworker/pkg/session"
)

const (
	tracerName = "coworker.supervisor"

	DefaultHintDirective = "User is stuck. Provide a Socratic question to unblock."
)

// Config holds supervisor configuration
type Config struct {
	Store       session.Store
	Similarity  classifier.SimilarityScorer
	Constraints classifier.ConstraintClassifier
	Logger      zerolog.Logger

	// Window is the number of prior messages compared against each new one.
	Window int
	// SimilarityThreshold is the score at which two messages count as equivalent.
	SimilarityThreshold float64
	// RepeatThreshold is how many equivalent prior messages mark the session as stuck.
	RepeatThreshold int
	HintDirective   string
	DedupTTL        time.Duration
	// Parallelism bounds concurrent similarity calls for one turn.
	Parallelism int
}

// Result describes what the supervisor concluded for one turn.
type Result struct {
	Duplicate  bool
	Repeats    int
	Stagnant   bool
	HintSet    bool
	Violation  bool
	Resistance int64
}

// Supervisor detects stagnation and resistance in completed turns.
type Supervisor struct {
	store       session.Store
	similarity  classifier.SimilarityScorer
	constraints classifier.ConstraintClassifier
	logger      zerolog.Logger
	cfg         Config
	dedup       *dedupCache
}

// New creates a supervisor. Call Close to stop its dedup sweeper.
func New(cfg Config) (*Supervisor, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Similarity == nil {
		return nil, fmt.Errorf("similarity scorer is required")
	}
	if cfg.Constraints == nil {
		return nil, fmt.Errorf("constraint classifier is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 2
	}
	if cfg.HintDirective == "" {
		cfg.HintDirective = DefaultHintDirective
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}

	return &Supervisor{
		store:       cfg.Store,
		similarity:  cfg.Similarity,
		constraints: cfg.Constraints,
		logger:      cfg.Logger.With().Str("component", "supervisor").Logger(),
		cfg:         cfg,
		dedup:       newDedupCache(context.Background(), cfg.DedupTTL),
	}, nil
}

// OnTurn analyzes one completed turn. It has the turnqueue handler signature.
func (s *Supervisor) OnTurn(ctx context.Context, turn session.Turn) error {
	_, err := s.Analyze(ctx, turn)
	return err
}

// Analyze runs stagnation and resistance detection for turn.
func (s *Supervisor) Analyze(ctx context.Context, turn session.Turn) (res Result, err error) {
	ctx = tracing.WithTurnID(tracing.WithUserID(ctx, turn.UserID), turn.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "supervisor.on_turn",
		attribute.String("user_id", turn.UserID),
		attribute.String("turn_id", turn.ID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if !s.dedup.CheckAndMark(turn.ID) {
		res.Duplicate = true
		observability.RecordSupervisorOutcome("duplicate")
		logger.Debug().Msg("Skipping duplicate turn")
		return res, nil
	}

	state, err := s.store.Get(ctx, turn.UserID)
	if err != nil {
		return res, s.fail(logger, "load_session", err)
	}

	if err := s.detectStagnation(ctx, logger, turn, &res); err != nil {
		return res, err
	}
	if err := s.detectResistance(ctx, logger, turn, state.Constraints, &res); err != nil {
		return res, err
	}

	if !res.HintSet && !res.Violation {
		observability.RecordSupervisorOutcome("clean")
	}
	return res, nil
}

func (s *Supervisor) detectStagnation(ctx context.Context, logger zerolog.Logger, turn session.Turn, res *Result) error {
	history, err := s.store.RecentHistory(ctx, turn.UserID, s.cfg.Window)
	if err != nil {
		return s.fail(logger, "history", err)
	}
	entry := session.HistoryEntry{TurnID: turn.ID, Message: turn.Message, Timestamp: turn.Timestamp}
	if err := s.store.AppendHistory(ctx, turn.UserID, entry, s.cfg.Window); err != nil {
		return s.fail(logger, "history", err)
	}

	scores := make([]float64, len(history))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, prior := range history {
		g.Go(func() error {
			score, err := s.similarity.Similarity(gctx, turn.Message, prior.Message)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(logger, "similarity", err)
	}

	for _, score := range scores {
		if score >= s.cfg.SimilarityThreshold {
			res.Repeats++
		}
	}
	if res.Repeats < s.cfg.RepeatThreshold {
		return nil
	}

	res.Stagnant = true
	written, err := s.store.SetHint(ctx, turn.UserID, s.cfg.HintDirective)
	if err != nil {
		return s.fail(logger, "set_hint", err)
	}
	res.HintSet = written
	if !written {
		observability.RecordSupervisorOutcome("hint_pending")
		logger.Debug().Int("repeats", res.Repeats).Msg("Stagnation detected, hint already pending")
		return nil
	}

	observability.RecordSupervisorOutcome("hint_set")
	observability.RecordSupervisorAudit(ctx, turn.UserID, "hint_set", map[string]any{
		"turn_id": turn.ID,
		"repeats": res.Repeats,
	})
	logger.Info().Int("repeats", res.Repeats).Msg("Stagnation detected, hint set")
	return nil
}

func (s *Supervisor) detectResistance(ctx context.Context, logger zerolog.Logger, turn session.Turn, constraints []string, res *Result) error {
	violates, err := s.constraints.Violates(ctx, turn.Message, constraints)
	if err != nil {
		return s.fail(logger, "constraints", err)
	}
	if !violates {
		return nil
	}

	res.Violation = true
	count, err := s.store.IncrementResistance(ctx, turn.UserID)
	if err != nil {
		return s.fail(logger, "increment_resistance", err)
	}
	res.Resistance = count

	observability.RecordSupervisorOutcome("resistance")
	observability.RecordSupervisorAudit(ctx, turn.UserID, "resistance", map[string]any{
		"turn_id": turn.ID,
		"count":   count,
	})
	logger.Info().Int64("resistance_count", count).Msg("Constraint violation recorded")
	return nil
}

func (s *Supervisor) fail(logger zerolog.Logger, stage string, err error) error {
	observability.RecordSupervisorFailure(stage)
	logger.Warn().Err(err).Str("stage", stage).Msg("Turn analysis failed, dropping turn")
	return fmt.Errorf("supervisor %s: %w", stage, err)
}

// Close stops background cleanup.
func (s *Supervisor) Close() error {
	s.dedup.Stop()
	return nil
}
