package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/coworker/internal/config"
	"github.com/harun/coworker/pkg/agent"
	"github.com/harun/coworker/pkg/classifier"
	"github.com/harun/coworker/pkg/embedding"
	"github.com/harun/coworker/pkg/knowledge"
	"github.com/harun/coworker/pkg/session"
)

// NewStore opens the session store selected by cfg.Session.Driver.
func NewStore(cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	opts := []session.StoreOption{
		session.WithTTL(cfg.Session.IdleTTL),
		session.WithLogger(log),
		session.WithInstrumentation(),
	}
	switch session.StoreType(cfg.Session.Driver) {
	case session.StoreTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		opts = append(opts, session.WithRedisClient(client), session.WithKeyPrefix(cfg.Session.Redis.Prefix))
	case session.StoreTypeSQLite:
		path := cfg.Session.SQLite.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "sessions.db")
		}
		opts = append(opts, session.WithSQLitePath(path))
	}

	store, err := session.NewStore(session.StoreType(cfg.Session.Driver), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	return store, nil
}

// NewEmbedder returns the cached embedding provider, or nil when embeddings are disabled.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (*embedding.Cached, error) {
	var inner embedding.Embedder
	switch cfg.Provider {
	case "openai":
		inner = embedding.NewOpenAIEmbedder(cfg.APIKey, cfg.Model)
	case "gemini":
		g, err := embedding.NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini embedder: %w", err)
		}
		inner = g
	default:
		return nil, nil
	}
	return embedding.NewCached(inner, cfg.CacheSize), nil
}

// NewIndex opens the markdown knowledge index described by cfg.Retrieval.
func NewIndex(cfg *config.Config, embedder embedding.Embedder, log zerolog.Logger) (*knowledge.Index, error) {
	path := cfg.Retrieval.IndexPath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "knowledge.db")
	}
	return knowledge.NewIndex(knowledge.IndexConfig{
		Paths:    cfg.Retrieval.Paths,
		DBPath:   path,
		Embedder: embedder,
		Logger:   log,
		MinScore: cfg.Retrieval.MinScore,
	})
}

// NewQdrant connects the qdrant retriever described by cfg.Retrieval.Qdrant.
func NewQdrant(cfg *config.Config, embedder embedding.Embedder, log zerolog.Logger) (*knowledge.QdrantRetriever, error) {
	q := cfg.Retrieval.Qdrant
	return knowledge.NewQdrantRetriever(knowledge.QdrantConfig{
		Host:       q.Host,
		Port:       q.Port,
		APIKey:     q.APIKey,
		UseTLS:     q.UseTLS,
		Collection: q.Collection,
		MinScore:   cfg.Retrieval.MinScore,
		Embedder:   embedder,
		Logger:     log,
	})
}

// newGenerator builds the failover generator from the configured AI profiles.
func newGenerator(cfg *config.Config, factory agent.ProviderCreator, log zerolog.Logger) (*agent.Generator, error) {
	profiles := make([]agent.Profile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return agent.NewGenerator(agent.Config{
		Profiles:     profiles,
		Factory:      factory,
		Logger:       log,
		Model:        cfg.Generation.Model,
		SummaryModel: cfg.Generation.SummaryModel,
		Temperature:  cfg.Generation.Temperature,
		MaxTokens:    cfg.Generation.MaxTokens,
		Cooldown:     cfg.Generation.Cooldown,
	})
}

// newClassifiers builds the safety filter and the supervisor's similarity scorer.
func newClassifiers(cfg *config.Config, embedder embedding.Embedder, log zerolog.Logger) (*classifier.InjectionFilter, classifier.SimilarityScorer, error) {
	safety, err := classifier.NewInjectionFilter(cfg.Safety.Patterns, cfg.Safety.Keywords)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create injection filter: %w", err)
	}
	var similarity classifier.SimilarityScorer = classifier.LexicalSimilarity{}
	if embedder != nil {
		similarity = classifier.NewEmbeddingSimilarity(embedder, classifier.LexicalSimilarity{}, log)
	}
	return safety, similarity, nil
}
