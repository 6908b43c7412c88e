package session

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQLite StoreType = "sqlite"
)

const defaultTTL = 24 * time.Hour

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	prefix      string
	ttl         time.Duration
	sqlitePath  string
	logger      zerolog.Logger
	instrument  bool
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithKeyPrefix namespaces Redis keys.
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) { c.prefix = prefix }
}

// WithTTL sets the idle lifetime of a session.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.ttl = ttl }
}

// WithSQLitePath sets the database file for the SQLite store.
func WithSQLitePath(path string) StoreOption {
	return func(c *storeConfig) { c.sqlitePath = path }
}

// WithLogger sets the logger used by the store.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(c *storeConfig) { c.logger = logger }
}

// WithInstrumentation wraps the store with metrics and tracing.
func WithInstrumentation() StoreOption {
	return func(c *storeConfig) { c.instrument = true }
}

// NewStore creates a Store for the given driver type.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = defaultTTL
	}

	var (
		store Store
		err   error
	)
	switch storeType {
	case StoreTypeMemory:
		store = NewMemoryStore()
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis store requires a client", ErrInvalidConfig)
		}
		store = NewRedisStore(cfg.redisClient, cfg.prefix, cfg.ttl)
	case StoreTypeSQLite:
		if cfg.sqlitePath == "" {
			return nil, fmt.Errorf("%w: sqlite store requires a path", ErrInvalidConfig)
		}
		store, err = NewSQLiteStore(cfg.sqlitePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}

	cfg.logger.Info().Str("driver", string(storeType)).Dur("ttl", cfg.ttl).Msg("Session store initialized")

	if cfg.instrument {
		store = Instrument(store, string(storeType))
	}
	return store, nil
}
