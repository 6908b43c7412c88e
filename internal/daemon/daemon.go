package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/coworker/internal/config"
	"github.com/harun/coworker/internal/logger"
	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/agent"
	"github.com/harun/coworker/pkg/classifier"
	"github.com/harun/coworker/pkg/contextwindow"
	"github.com/harun/coworker/pkg/embedding"
	"github.com/harun/coworker/pkg/gateway"
	"github.com/harun/coworker/pkg/knowledge"
	"github.com/harun/coworker/pkg/orchestrator"
	"github.com/harun/coworker/pkg/session"
	"github.com/harun/coworker/pkg/supervisor"
	"github.com/harun/coworker/pkg/turnqueue"
)

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	factory agent.ProviderCreator
	store   session.Store
}

// WithProviderFactory overrides how generation providers are created.
func WithProviderFactory(f agent.ProviderCreator) Option {
	return func(o *options) { o.factory = f }
}

// WithStore uses store instead of opening the configured driver.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// Daemon owns every long-lived component of the co-worker engine.
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	store        session.Store
	embedder     *embedding.Cached
	generator    *agent.Generator
	index        *knowledge.Index
	qdrant       *knowledge.QdrantRetriever
	watcher      *knowledge.Watcher
	contextMgr   *contextwindow.Manager
	supervisor   *supervisor.Supervisor
	queue        *turnqueue.Queue
	orchestrator *orchestrator.Orchestrator
	gateway      *gateway.Server
	scheduler    *cron.Cron
	lifecycle    *LifecycleManager

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool            `json:"running"`
	Uptime    time.Duration   `json:"uptime"`
	StartTime time.Time       `json:"start_time"`
	Queue     turnqueue.Stats `json:"queue"`
}

// New builds the daemon and all of its components. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log.Component("daemon"),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.logger.Info().Msg("Tracing initialized successfully")
		}
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" && cfg.DataDir != "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if auditPath != "" {
		if err := observability.InitAuditLogger(auditPath); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		}
	}

	if err := d.initializeComponents(log.Logger, o); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	for _, w := range cfg.Warnings() {
		d.logger.Warn().Msg(w)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.logger)
	return d, nil
}

// initializeComponents wires the engine in dependency order.
func (d *Daemon) initializeComponents(base zerolog.Logger, o options) error {
	cfg := d.config
	ctx := context.Background()

	d.store = o.store
	if d.store == nil {
		store, err := NewStore(cfg, base)
		if err != nil {
			return err
		}
		d.store = store
	}

	cached, err := NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	var embedder embedding.Embedder
	if cached != nil {
		d.embedder = cached
		embedder = cached
	}

	safety, similarity, err := newClassifiers(cfg, embedder, base)
	if err != nil {
		return err
	}

	d.generator, err = newGenerator(cfg, o.factory, base)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	var retriever knowledge.Retriever
	switch cfg.Retrieval.Backend {
	case "index":
		d.index, err = NewIndex(cfg, embedder, base)
		if err != nil {
			return fmt.Errorf("failed to open knowledge index: %w", err)
		}
		retriever = d.index
	case "qdrant":
		d.qdrant, err = NewQdrant(cfg, embedder, base)
		if err != nil {
			return fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		retriever = d.qdrant
	}

	d.contextMgr, err = contextwindow.New(contextwindow.Config{
		Store:      d.store,
		Chitchat:   classifier.NewHeuristicChitchat(cfg.Chitchat.Phrases, cfg.Chitchat.MaxWords),
		Summarizer: d.generator,
		Logger:     base,
		MaxBuffer:  cfg.Context.MaxBuffer,
		BatchSize:  cfg.Context.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create context manager: %w", err)
	}

	d.supervisor, err = supervisor.New(supervisor.Config{
		Store:               d.store,
		Similarity:          similarity,
		Constraints:         classifier.NewKeywordConstraintClassifier(),
		Logger:              base,
		Window:              cfg.Supervisor.Window,
		SimilarityThreshold: cfg.Supervisor.SimilarityThreshold,
		RepeatThreshold:     cfg.Supervisor.RepeatThreshold,
		HintDirective:       cfg.Supervisor.HintDirective,
		DedupTTL:            cfg.Supervisor.DedupTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	d.queue = turnqueue.New(turnqueue.Config{
		Capacity:    cfg.Supervisor.QueueSize,
		Workers:     cfg.Supervisor.Workers,
		TurnTimeout: cfg.Supervisor.TurnTimeout,
		Logger:      base,
	}, d.supervisor.OnTurn)

	d.orchestrator, err = orchestrator.New(orchestrator.Config{
		Store:     d.store,
		Retriever: retriever,
		Safety:    safety,
		Generator: d.generator,
		Context:   d.contextMgr,
		Queue:     d.queue,
		Logger:    base,
		Profile: session.Profile{
			Persona:     cfg.Assistant.Persona,
			Constraints: cfg.Assistant.Constraints,
		},
		RetrievalLimit:    cfg.Retrieval.Limit,
		RetrievalFilter:   knowledge.Filter(cfg.Retrieval.Filter),
		RetrievalTimeout:  cfg.Retrieval.Timeout,
		GenerationTimeout: cfg.Generation.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d.gateway, err = gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		ShutdownTimeout:   cfg.Gateway.ShutdownTimeout,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		RetryAfter:        cfg.Gateway.RetryAfter,
		Chat:              d.orchestrator,
		Sessions:          d.store,
		Stats:             d.stats,
		Logger:            base,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	d.logger.Info().
		Str("session_driver", cfg.Session.Driver).
		Str("retrieval", cfg.Retrieval.Backend).
		Str("embeddings", cfg.Embeddings.Provider).
		Int("profiles", len(cfg.AI.Profiles)).
		Msg("Components initialized")
	return nil
}

// Start launches the turn queue workers and housekeeping, then syncs and
// watches the knowledge index. The turn queue outlives ctx so that Stop can drain it.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		return fmt.Errorf("daemon is stopped")
	}

	d.queue.Start(context.WithoutCancel(ctx))

	scheduler, err := d.newScheduler()
	if err != nil {
		return err
	}
	d.scheduler = scheduler
	d.scheduler.Start()

	if d.index != nil {
		if _, err := d.index.Sync(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Initial knowledge sync failed")
		}
		if d.config.Retrieval.Watch {
			w, err := d.index.WatchPaths(context.WithoutCancel(ctx), time.Second)
			if err != nil {
				d.logger.Warn().Err(err).Msg("Failed to watch knowledge paths")
			} else {
				d.watcher = w
			}
		}
	}

	d.running = true
	d.startTime = time.Now()
	d.logger.Info().Msg("Daemon started")
	return nil
}

// Run starts the daemon, serves the gateway until ctx is cancelled and then stops.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lifecycle.Start(); err != nil {
		return err
	}
	defer func() {
		if err := d.lifecycle.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}

	runErr := d.gateway.Run(ctx)
	return errors.Join(runErr, d.Stop())
}

// Stop drains the turn queue and releases every component. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop knowledge watcher")
		}
	}

	if !d.queue.Drain(d.config.Supervisor.DrainTimeout) {
		d.logger.Warn().Msg("Turn queue not drained before timeout")
	}
	err := d.release()
	d.logger.Info().Msg("Daemon stopped")
	return err
}

// release closes components in reverse dependency order.
func (d *Daemon) release() error {
	var errs []error
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
	}
	if d.supervisor != nil {
		errs = append(errs, d.supervisor.Close())
	}
	if d.index != nil {
		errs = append(errs, d.index.Close())
	}
	if d.qdrant != nil {
		errs = append(errs, d.qdrant.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.tracingEnabled {
		errs = append(errs, tracing.ShutdownOpenTelemetry(context.Background()))
		d.tracingEnabled = false
	}
	return errors.Join(errs...)
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Running:   d.running,
		StartTime: d.startTime,
		Queue:     d.queue.Stats(),
	}
	if d.running {
		st.Uptime = time.Since(d.startTime)
	}
	return st
}

// stats feeds GET /v1/stats.
func (d *Daemon) stats() map[string]any {
	out := map[string]any{
		"queue":        d.queue.Stats(),
		"active_users": d.orchestrator.ActiveUsers(),
	}
	if d.index != nil {
		out["knowledge"] = d.index.Status()
	}
	if d.embedder != nil {
		out["embedding_cache_hit_rate"] = d.embedder.HitRate()
	}
	return out
}

// Orchestrator returns the synchronous message path.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orchestrator }

// Store returns the session store.
func (d *Daemon) Store() session.Store { return d.store }

// Gateway returns the HTTP gateway.
func (d *Daemon) Gateway() *gateway.Server { return d.gateway }
