package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Config is the coworker runtime configuration.
type Config struct {
	Assistant  AssistantConfig  `json:"assistant" mapstructure:"assistant"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Context    ContextConfig    `json:"context" mapstructure:"context"`
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Retrieval  RetrievalConfig  `json:"retrieval" mapstructure:"retrieval"`
	Generation GenerationConfig `json:"generation" mapstructure:"generation"`
	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	Embeddings EmbeddingsConfig `json:"embeddings" mapstructure:"embeddings"`
	Safety     SafetyConfig     `json:"safety" mapstructure:"safety"`
	Chitchat   ChitchatConfig   `json:"chitchat" mapstructure:"chitchat"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
}

// AssistantConfig seeds newly created sessions.
type AssistantConfig struct {
	Persona     string   `json:"persona" mapstructure:"persona"`
	Constraints []string `json:"constraints" mapstructure:"constraints"`
}

// SessionConfig selects and tunes the session store driver.
type SessionConfig struct {
	Driver        string        `json:"driver" mapstructure:"driver"` // memory, redis, sqlite
	IdleTTL       time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	Redis         RedisConfig   `json:"redis" mapstructure:"redis"`
	SQLite        SQLiteConfig  `json:"sqlite" mapstructure:"sqlite"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// SQLiteConfig holds the sqlite store location.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ContextConfig bounds the short-term buffer.
type ContextConfig struct {
	MaxBuffer int `json:"max_buffer" mapstructure:"max_buffer"`
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`
}

// SupervisorConfig tunes the background monitor and its queue.
type SupervisorConfig struct {
	QueueSize           int           `json:"queue_size" mapstructure:"queue_size"`
	Workers             int           `json:"workers" mapstructure:"workers"`
	Window              int           `json:"window" mapstructure:"window"`
	SimilarityThreshold float64       `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	RepeatThreshold     int           `json:"repeat_threshold" mapstructure:"repeat_threshold"`
	HintDirective       string        `json:"hint_directive" mapstructure:"hint_directive"`
	DedupTTL            time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	TurnTimeout         time.Duration `json:"turn_timeout" mapstructure:"turn_timeout"`
	DrainTimeout        time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// RetrievalConfig selects the knowledge backend.
type RetrievalConfig struct {
	Backend   string            `json:"backend" mapstructure:"backend"` // index, qdrant, none
	Limit     int               `json:"limit" mapstructure:"limit"`
	MinScore  float64           `json:"min_score" mapstructure:"min_score"`
	Filter    map[string]string `json:"filter" mapstructure:"filter"`
	Timeout   time.Duration     `json:"timeout" mapstructure:"timeout"`
	Paths     []string          `json:"paths" mapstructure:"paths"`
	IndexPath string            `json:"index_path" mapstructure:"index_path"`
	Watch     bool              `json:"watch" mapstructure:"watch"`
	Qdrant    QdrantConfig      `json:"qdrant" mapstructure:"qdrant"`
}

// QdrantConfig holds qdrant connection settings.
type QdrantConfig struct {
	Host       string `json:"host" mapstructure:"host"`
	Port       int    `json:"port" mapstructure:"port"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	UseTLS     bool   `json:"use_tls" mapstructure:"use_tls"`
	Collection string `json:"collection" mapstructure:"collection"`
}

// GenerationConfig holds model parameters for replies and summaries.
type GenerationConfig struct {
	Model        string        `json:"model" mapstructure:"model"`
	SummaryModel string        `json:"summary_model" mapstructure:"summary_model"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	Cooldown     time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// EmbeddingsConfig configures the embedding provider used for similarity and vectors.
type EmbeddingsConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, gemini, none (lexical similarity only)
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	CacheSize int    `json:"cache_size" mapstructure:"cache_size"`
}

// SafetyConfig extends the built-in injection patterns.
type SafetyConfig struct {
	Patterns []string `json:"patterns" mapstructure:"patterns"`
	Keywords []string `json:"keywords" mapstructure:"keywords"`
}

// ChitchatConfig tunes the chitchat heuristic.
type ChitchatConfig struct {
	Phrases  []string `json:"phrases" mapstructure:"phrases"`
	MaxWords int      `json:"max_words" mapstructure:"max_words"`
}

// GatewayConfig holds HTTP gateway settings
type GatewayConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	AllowedOrigins  []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// RequestsPerMinute and MaxConcurrent limit chat requests per user.
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	RetryAfter        time.Duration `json:"retry_after" mapstructure:"retry_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Persona:     "You are a supportive AI co-worker who helps the user learn by doing.",
			Constraints: []string{"Do not make decisions on the user's behalf."},
		},
		Session: SessionConfig{
			Driver:        "memory",
			IdleTTL:       24 * time.Hour,
			SweepSchedule: "@every 10m",
			Redis:         RedisConfig{Addr: "localhost:6379", Prefix: "coworker"},
		},
		Context: ContextConfig{
			MaxBuffer: 10,
			BatchSize: 5,
		},
		Supervisor: SupervisorConfig{
			QueueSize:           1024,
			Workers:             8,
			Window:              10,
			SimilarityThreshold: 0.8,
			RepeatThreshold:     2,
			HintDirective:       "User is stuck. Provide a Socratic question to unblock.",
			DedupTTL:            10 * time.Minute,
			TurnTimeout:         30 * time.Second,
			DrainTimeout:        10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Backend:  "none",
			Limit:    3,
			MinScore: 0.2,
			Filter:   map[string]string{"competency": "relevant"},
			Timeout:  2 * time.Second,
			Qdrant:   QdrantConfig{Host: "localhost", Port: 6334, Collection: "coworker_knowledge"},
		},
		Generation: GenerationConfig{
			Model:       "claude-sonnet-4",
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			Cooldown:    time.Minute,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "none",
			Model:     "text-embedding-3-small",
			CacheSize: 4096,
		},
		Chitchat: ChitchatConfig{MaxWords: 4},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerMinute: 30,
			MaxConcurrent:     2,
			RetryAfter:        2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "coworker",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	clone := *c
	clone.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		clone.AI.Profiles[i] = p
	}
	if clone.Embeddings.APIKey != "" {
		clone.Embeddings.APIKey = "***"
	}
	if clone.Session.Redis.Password != "" {
		clone.Session.Redis.Password = "***"
	}
	if clone.Retrieval.Qdrant.APIKey != "" {
		clone.Retrieval.Qdrant.APIKey = "***"
	}
	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}

var (
	validProviders          = []string{"anthropic", "openai", "gemini"}
	validDrivers            = []string{"memory", "redis", "sqlite"}
	validBackends           = []string{"index", "qdrant", "none"}
	validEmbeddingProviders = []string{"openai", "gemini", "none"}
)

// Validate checks if the configuration is usable by the daemon
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !slices.Contains(validProviders, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	if !slices.Contains(validDrivers, c.Session.Driver) {
		return fmt.Errorf("invalid session driver %q (must be: memory, redis, sqlite)", c.Session.Driver)
	}
	if c.Session.Driver == "redis" && c.Session.Redis.Addr == "" {
		return fmt.Errorf("session.redis.addr is required for the redis driver")
	}

	if c.Context.MaxBuffer <= 0 {
		return fmt.Errorf("context.max_buffer must be positive")
	}
	if c.Context.BatchSize <= 0 || c.Context.BatchSize > c.Context.MaxBuffer {
		return fmt.Errorf("context.batch_size must be in [1, max_buffer]")
	}

	if c.Supervisor.QueueSize <= 0 || c.Supervisor.Workers <= 0 {
		return fmt.Errorf("supervisor.queue_size and supervisor.workers must be positive")
	}
	if c.Supervisor.HintDirective == "" {
		return fmt.Errorf("supervisor.hint_directive must not be empty")
	}

	if !slices.Contains(validBackends, c.Retrieval.Backend) {
		return fmt.Errorf("invalid retrieval backend %q (must be: index, qdrant, none)", c.Retrieval.Backend)
	}
	if !slices.Contains(validEmbeddingProviders, c.Embeddings.Provider) {
		return fmt.Errorf("invalid embeddings provider %q (must be: openai, gemini, none)", c.Embeddings.Provider)
	}
	if c.Retrieval.Backend == "qdrant" && c.Embeddings.Provider == "none" {
		return fmt.Errorf("retrieval backend qdrant requires an embeddings provider")
	}

	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be positive")
	}

	return nil
}

// Warnings reports settings that are valid but degrade behaviour.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Embeddings.Provider == "none" {
		warnings = append(warnings, "embeddings.provider is none: repeated questions are matched by shared words only, so paraphrases will not trigger hints")
	}
	return warnings
}
