package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envProfiles maps conventional provider key variables to implicit AI profiles.
var envProfiles = []struct {
	env      string
	provider string
}{
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"OPENAI_API_KEY", "openai"},
	{"GEMINI_API_KEY", "gemini"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".coworker", "coworker.json")
}

// Load reads the config file, validates it against the schema and applies env overrides.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("COWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	raw, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := ValidateSchema(raw); err != nil {
			return nil, err
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers the keys that may be set purely from the environment.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"session.driver",
		"session.redis.addr",
		"session.redis.password",
		"session.sqlite.path",
		"retrieval.backend",
		"retrieval.qdrant.host",
		"retrieval.qdrant.api_key",
		"embeddings.provider",
		"embeddings.api_key",
		"generation.model",
		"gateway.port",
		"logging.level",
		"data_dir",
	} {
		_ = v.BindEnv(key)
	}
}

func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".coworker")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "coworker.log")
	}
	if cfg.Session.SQLite.Path == "" {
		cfg.Session.SQLite.Path = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if cfg.Retrieval.IndexPath == "" {
		cfg.Retrieval.IndexPath = filepath.Join(cfg.DataDir, "knowledge.db")
	}
	if len(cfg.Retrieval.Paths) == 0 {
		cfg.Retrieval.Paths = []string{filepath.Join(cfg.DataDir, "knowledge")}
	}

	if len(cfg.AI.Profiles) == 0 {
		for i, ep := range envProfiles {
			if key := os.Getenv(ep.env); key != "" {
				cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
					ID:       ep.provider + "-env",
					Provider: ep.provider,
					APIKey:   key,
					Priority: i + 1,
				})
			}
		}
	}
	if cfg.Embeddings.APIKey == "" {
		switch cfg.Embeddings.Provider {
		case "openai":
			cfg.Embeddings.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			cfg.Embeddings.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
