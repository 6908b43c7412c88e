package turnqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "coworker/turnqueue"

var (
	ErrQueueFull = errors.New("turn queue is full")
	ErrClosed    = errors.New("turn queue is closed")
)

// Handler processes one turn.
type Handler func(ctx context.Context, turn session.Turn) error

// Config controls queue capacity and parallelism.
type Config struct {
	Capacity    int           // total turns queued or in flight
	Workers     int           // lanes processed in parallel
	TurnTimeout time.Duration // per-turn handler deadline, zero for none
	Logger      zerolog.Logger
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event describes a queue transition: "enqueued", "dropped" or "completed".
type Event struct {
	Type   string
	UserID string
	TurnID string
	Data   map[string]any
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Lanes     int    `json:"lanes"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

type record struct {
	turn       session.Turn
	enqueuedAt time.Time
}

// laneState holds the backlog of one user. A lane is either idle, scheduled
// (its key sits in the ready channel) or running; never more than one of these.
type laneState struct {
	queue     []record
	scheduled bool
	running   bool
}

// Queue is a bounded set of per-user FIFO lanes drained by a fixed worker pool.
type Queue struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	lanes    map[string]*laneState
	pending  int
	inFlight int
	closed   bool
	started  bool
	ready    chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a queue that runs handler for each turn once Start is called.
func New(cfg Config, handler Handler) *Queue {
	observability.EnsureRegistered()

	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	return &Queue{
		cfg:           cfg,
		handler:       handler,
		logger:        cfg.Logger.With().Str("component", "turnqueue").Logger(),
		lanes:         make(map[string]*laneState),
		ready:         make(chan string, cfg.Capacity),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)

	for i := range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Debug().Int("workers", q.cfg.Workers).Int("capacity", q.cfg.Capacity).Msg("Turn queue started")
}

// TryEnqueue schedules turn for background processing without blocking.
func (q *Queue) TryEnqueue(turn session.Turn) error {
	q.mu.Lock()
	if q.closed {
		depth := q.pending
		q.mu.Unlock()
		q.drop(turn, "closed", depth)
		return ErrClosed
	}
	if q.pending >= q.cfg.Capacity {
		depth := q.pending
		q.mu.Unlock()
		q.drop(turn, "full", depth)
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, q.cfg.Capacity)
	}

	lane, ok := q.lanes[turn.UserID]
	if !ok {
		lane = &laneState{}
		q.lanes[turn.UserID] = lane
	}
	lane.queue = append(lane.queue, record{turn: turn, enqueuedAt: time.Now()})
	q.pending++
	depth := q.pending
	if !lane.running && !lane.scheduled {
		lane.scheduled = true
		// Never blocks: scheduled lanes <= pending <= capacity == cap(ready).
		q.ready <- turn.UserID
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	observability.RecordQueueEnqueue(depth)
	q.logger.Debug().
		Str("user_id", turn.UserID).
		Str("turn_id", turn.ID).
		Int("pending", depth).
		Msg("Turn enqueued")

	q.emit(Event{
		Type:   "enqueued",
		UserID: turn.UserID,
		TurnID: turn.ID,
		Data:   map[string]any{"pending": depth},
	})
	return nil
}

func (q *Queue) drop(turn session.Turn, reason string, depth int) {
	q.dropped.Add(1)
	observability.RecordQueueDrop(depth)
	q.logger.Warn().
		Str("user_id", turn.UserID).
		Str("turn_id", turn.ID).
		Str("reason", reason).
		Msg("Background analysis dropped")
	q.emit(Event{
		Type:   "dropped",
		UserID: turn.UserID,
		TurnID: turn.ID,
		Data:   map[string]any{"reason": reason},
	})
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case userID := <-q.ready:
			q.runLane(userID)
		}
	}
}

// runLane pops the head of the lane, runs it, and reschedules the lane if more work arrived.
func (q *Queue) runLane(userID string) {
	q.mu.Lock()
	lane, ok := q.lanes[userID]
	if !ok || len(lane.queue) == 0 {
		q.mu.Unlock()
		return
	}
	rec := lane.queue[0]
	lane.queue = lane.queue[1:]
	lane.scheduled = false
	lane.running = true
	q.inFlight++
	q.mu.Unlock()

	duration, err := q.execute(rec)

	q.mu.Lock()
	lane.running = false
	q.pending--
	q.inFlight--
	depth := q.pending
	if len(lane.queue) > 0 {
		lane.scheduled = true
		q.ready <- userID
	} else {
		delete(q.lanes, userID)
	}
	q.mu.Unlock()

	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
	}
	observability.RecordQueueCompletion(duration, depth)

	q.emit(Event{
		Type:   "completed",
		UserID: rec.turn.UserID,
		TurnID: rec.turn.ID,
		Data: map[string]any{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
			"age":      time.Since(rec.enqueuedAt).Milliseconds(),
		},
	})
}

func (q *Queue) execute(rec record) (duration time.Duration, err error) {
	ctx := tracing.WithTurnID(tracing.WithUserID(q.ctx, rec.turn.UserID), rec.turn.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "turnqueue.execute",
		attribute.String("user_id", rec.turn.UserID),
		attribute.String("turn_id", rec.turn.ID),
	)
	logger := tracing.LoggerFromContext(ctx, q.logger)

	if q.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn handler panic: %v", r)
		}
		duration = time.Since(start)
		if err != nil {
			logger.Error().Err(err).Dur("duration", duration).Msg("Turn handler failed")
		} else {
			logger.Debug().Dur("duration", duration).Msg("Turn handled")
		}
		tracing.EndSpan(span, err)
	}()

	return 0, q.handler(ctx, rec.turn)
}

// Stats returns counters and current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Capacity: q.cfg.Capacity,
		Workers:  q.cfg.Workers,
		Pending:  q.pending,
		InFlight: q.inFlight,
		Lanes:    len(q.lanes),
	}
	q.mu.Unlock()

	s.Enqueued = q.enqueued.Load()
	s.Dropped = q.dropped.Load()
	s.Processed = q.processed.Load()
	s.Failed = q.failed.Load()
	return s
}

// Drain waits until every accepted turn has been handled or timeout elapses.
// It reports whether the queue emptied in time.
func (q *Queue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		pending := q.pending
		q.mu.Unlock()

		if pending == 0 {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Int("pending", pending).Dur("timeout", timeout).Msg("Timeout draining turn queue")
			return false
		}
		<-ticker.C
	}
}

// Close stops accepting turns, cancels in-flight handlers and waits for the workers to exit.
// Turns still queued are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	discarded := q.pending - q.inFlight
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	if discarded > 0 {
		q.logger.Warn().Int("discarded", discarded).Msg("Turn queue closed with pending turns")
	}
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
