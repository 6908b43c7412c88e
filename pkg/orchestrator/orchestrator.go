package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/agent"
	"github.com/harun/coworker/pkg/classifier"
	"github.com/harun/coworker/pkg/contextwindow"
	"github.com/harun/coworker/pkg/knowledge"
	"github.com/harun/coworker/pkg/session"
)

const tracerName = "coworker.orchestrator"

// recordTimeout bounds the store writes that follow generation.
const recordTimeout = 10 * time.Second

// Generator streams reply tokens.
type Generator interface {
	Stream(ctx context.Context, req agent.Request) iter.Seq2[string, error]
}

// TurnRecorder folds a completed turn into the session buffer.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn session.Turn) (contextwindow.Outcome, error)
}

// TurnSink accepts completed turns for background analysis without blocking.
type TurnSink interface {
	TryEnqueue(turn session.Turn) error
}

// Config holds orchestrator configuration
type Config struct {
	Store     session.Store
	Retriever knowledge.Retriever // optional
	Safety    classifier.SafetyClassifier
	Generator Generator
	Context   TurnRecorder
	Queue     TurnSink
	Logger    zerolog.Logger

	// Profile seeds sessions created on first contact.
	Profile session.Profile

	RetrievalLimit    int
	RetrievalFilter   knowledge.Filter
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

// Orchestrator handles user messages end to end.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
	locks  *userLocks
	now    func() time.Time
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	switch {
	case cfg.Store == nil:
		return nil, errors.New("session store is required")
	case cfg.Safety == nil:
		return nil, errors.New("safety classifier is required")
	case cfg.Generator == nil:
		return nil, errors.New("generator is required")
	case cfg.Context == nil:
		return nil, errors.New("context window manager is required")
	case cfg.Queue == nil:
		return nil, errors.New("turn queue is required")
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 3
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 2 * time.Second
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "orchestrator").Logger(),
		locks:  newUserLocks(),
		now:    time.Now,
	}, nil
}

// Reply is a streamed answer to one message.
//
// Tokens must be drained, or the context passed to HandleMessage cancelled,
// for generation to make progress past the channel buffer.
type Reply struct {
	TurnID     string               `json:"turn_id,omitempty"`
	UserID     string               `json:"user_id"`
	Refused    bool                 `json:"refused,omitempty"`
	Degraded   bool                 `json:"degraded,omitempty"`
	HintUsed   bool                 `json:"hint_used,omitempty"`
	Strictness Strictness           `json:"strictness,omitempty"`
	Documents  []knowledge.Document `json:"documents,omitempty"`

	tokens  chan string
	first   chan struct{}
	done    chan struct{}
	started bool
	text    string
	err     error
	outcome contextwindow.Outcome
}

func newReply(userID string) *Reply {
	return &Reply{
		UserID: userID,
		tokens: make(chan string, 16),
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Tokens returns the token stream. It is closed when generation ends or the
// caller's context is cancelled.
func (r *Reply) Tokens() <-chan string { return r.tokens }

// Done is closed once the turn is fully recorded.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Wait blocks until the turn is recorded and returns the full response text.
func (r *Reply) Wait() (string, error) {
	<-r.done
	return r.text, r.err
}

// Outcome reports what the context window manager did with the turn. It is
// valid after Wait returns.
func (r *Reply) Outcome() contextwindow.Outcome {
	<-r.done
	return r.outcome
}

func refusal(userID string) *Reply {
	r := newReply(userID)
	r.Refused = true
	r.text = RefusalText
	r.tokens <- RefusalText
	close(r.tokens)
	close(r.first)
	close(r.done)
	return r
}

// HandleMessage answers message for userID. It returns once the first token
// is available; the rest of the reply streams through Reply.Tokens.
//
// A generation failure before the first token is returned here as a
// *GenerationError; later failures surface from Reply.Wait.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, message string) (_ *Reply, err error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	start := o.now()
	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx), userID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.handle_message",
		attribute.String("user_id", userID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	unlock, err := o.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	var (
		state    *session.State
		fresh    bool
		docs     []knowledge.Document
		degraded bool
	)
	// The session is only read here. A refused first message must not create it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := o.cfg.Store.Get(gctx, userID)
		if errors.Is(err, session.ErrNotFound) {
			st, fresh = &session.State{
				UserID:      userID,
				Persona:     o.cfg.Profile.Persona,
				Constraints: slices.Clone(o.cfg.Profile.Constraints),
			}, true
			err = nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}
		state = st
		return nil
	})
	g.Go(func() error {
		docs, degraded = o.retrieve(gctx, logger, message)
		return nil
	})
	if err := g.Wait(); err != nil {
		observability.RecordTurn(o.now().Sub(start), "error")
		logger.Error().Err(err).Msg("Failed to load session")
		return nil, err
	}

	if o.unsafe(ctx, logger, userID, message) {
		observability.RecordTurn(o.now().Sub(start), "refused")
		return refusal(userID), nil
	}

	if fresh {
		if state, err = o.cfg.Store.GetOrCreate(ctx, userID, o.cfg.Profile); err != nil {
			observability.RecordTurn(o.now().Sub(start), "error")
			logger.Error().Err(err).Msg("Failed to create session")
			return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}
	}

	hint, hintOK, err := o.cfg.Store.ConsumeHint(ctx, userID)
	if err != nil {
		observability.RecordTurn(o.now().Sub(start), "error")
		logger.Error().Err(err).Msg("Failed to consume hint")
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	turnID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate turn id: %w", err)
	}

	reply := newReply(userID)
	reply.TurnID = turnID
	reply.Degraded = degraded
	reply.HintUsed = hintOK
	reply.Strictness = StrictnessFor(state.ResistanceCount)
	reply.Documents = docs

	req := BuildRequest(PromptInput{State: state, Hint: hint, Documents: docs, Message: message})

	// Generation outlives the caller so the turn is still recorded after a disconnect.
	genCtx, cancel := context.WithTimeout(tracing.WithTurnID(tracing.Detach(ctx), turnID), o.cfg.GenerationTimeout)
	handedOff = true
	go func() {
		defer cancel()
		defer unlock()
		o.generate(ctx, genCtx, reply, req, message, hint, start)
	}()

	select {
	case <-reply.first:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !reply.started {
		<-reply.done
		return nil, reply.err
	}
	return reply, nil
}

// retrieve fetches documents for message. Failures degrade to no documents.
func (o *Orchestrator) retrieve(ctx context.Context, logger zerolog.Logger, message string) ([]knowledge.Document, bool) {
	if o.cfg.Retriever == nil {
		return nil, false
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	docs, err := o.cfg.Retriever.Retrieve(rctx, message, o.cfg.RetrievalFilter, o.cfg.RetrievalLimit)
	if err != nil {
		observability.RecordRetrievalDegraded()
		logger.Warn().Err(err).Msg("Retrieval failed, answering without documents")
		return nil, true
	}
	return docs, false
}

// unsafe runs the safety gate. Classifier errors count as unsafe.
func (o *Orchestrator) unsafe(ctx context.Context, logger zerolog.Logger, userID, message string) bool {
	flagged, err := o.cfg.Safety.DetectInjection(ctx, message)
	reason := "injection"
	if err != nil {
		reason = "classifier_error"
		flagged = true
		logger.Error().Err(err).Msg("Safety classifier failed, refusing")
	}
	if !flagged {
		return false
	}
	observability.RecordRefusal(reason)
	observability.RecordSafetyAudit(ctx, userID, reason, map[string]any{"message_length": len(message)})
	logger.Warn().Str("reason", reason).Msg("Message refused by safety gate")
	return true
}

// generate streams the reply, then records and enqueues the completed turn.
func (o *Orchestrator) generate(clientCtx, ctx context.Context, reply *Reply, req agent.Request, message, hint string, start time.Time) {
	var err error
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.generate",
		attribute.String("turn_id", reply.TurnID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	defer close(reply.done)

	var b strings.Builder
	forwarding := true
	for token, streamErr := range o.cfg.Generator.Stream(ctx, req) {
		if streamErr != nil {
			err = streamErr
			break
		}
		b.WriteString(token)
		if !reply.started {
			reply.started = true
			observability.RecordTimeToFirstToken(o.now().Sub(start))
			close(reply.first)
		}
		if forwarding {
			select {
			case reply.tokens <- token:
			case <-clientCtx.Done():
				forwarding = false
				logger.Debug().Msg("Client went away, finishing generation in background")
			case <-ctx.Done():
				forwarding = false
			}
		}
	}
	close(reply.tokens)

	if err == nil && b.Len() == 0 {
		err = agent.ErrEmptyOutput
	}
	if err != nil {
		reply.err = &GenerationError{Err: err, Partial: reply.started}
		if !reply.started {
			close(reply.first)
			o.restoreHint(ctx, logger, reply.UserID, hint)
		}
		observability.RecordTurn(o.now().Sub(start), "error")
		logger.Error().Err(err).Bool("partial", reply.started).Msg("Generation failed")
		return
	}

	reply.text = b.String()
	turn := session.Turn{
		ID:        reply.TurnID,
		UserID:    reply.UserID,
		Message:   message,
		Response:  reply.text,
		Timestamp: o.now(),
	}

	if err := o.cfg.Queue.TryEnqueue(turn); err != nil {
		logger.Warn().Err(err).Msg("Turn not queued for background analysis")
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	outcome, recErr := o.cfg.Context.RecordTurn(recordCtx, turn)
	reply.outcome = outcome
	switch {
	case recErr == nil:
	case errors.Is(recErr, contextwindow.ErrSummarize):
		logger.Warn().Err(recErr).Msg("Turn recorded, summarization deferred")
	default:
		err = recErr
		reply.err = fmt.Errorf("%w: record turn: %w", ErrSessionUnavailable, recErr)
		observability.RecordTurn(o.now().Sub(start), "error")
		logger.Error().Err(recErr).Msg("Failed to record turn")
		return
	}

	observability.RecordTurn(o.now().Sub(start), "ok")
	logger.Info().
		Int("response_length", len(reply.text)).
		Int("buffer_len", outcome.BufferLen).
		Bool("degraded", reply.Degraded).
		Bool("hint_used", reply.HintUsed).
		Dur("duration", o.now().Sub(start)).
		Msg("Turn completed")
}

// restoreHint puts back a hint consumed for a reply that never started.
func (o *Orchestrator) restoreHint(ctx context.Context, logger zerolog.Logger, userID, hint string) {
	if hint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := o.cfg.Store.SetHint(ctx, userID, hint); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore consumed hint")
	}
}

// Ask answers message and returns the full text, draining the stream.
func (o *Orchestrator) Ask(ctx context.Context, userID, message string) (string, *Reply, error) {
	reply, err := o.HandleMessage(ctx, userID, message)
	if err != nil {
		return "", nil, err
	}
	for range reply.Tokens() {
	}
	text, err := reply.Wait()
	return text, reply, err
}

// ActiveUsers returns how many users currently have a turn in progress.
func (o *Orchestrator) ActiveUsers() int {
	return o.locks.Len()
}
