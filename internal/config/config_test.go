package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coworker.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, ep := range envProfiles {
		t.Setenv(ep.env, "")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearProviderEnv(t)
	dataDir := t.TempDir()
	t.Setenv("COWORKER_DATA_DIR", dataDir)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, 10, cfg.Context.MaxBuffer)
	assert.Equal(t, 5, cfg.Context.BatchSize)
	assert.Equal(t, 1024, cfg.Supervisor.QueueSize)
	assert.Equal(t, 0.8, cfg.Supervisor.SimilarityThreshold)
	assert.Equal(t, 2, cfg.Supervisor.RepeatThreshold)
	assert.Equal(t, map[string]string{"competency": "relevant"}, cfg.Retrieval.Filter)
	assert.Equal(t, filepath.Join(dataDir, "sessions.db"), cfg.Session.SQLite.Path)
	assert.Equal(t, filepath.Join(dataDir, "coworker.log"), cfg.Logging.File)
	assert.Empty(t, cfg.AI.Profiles)
}

func TestLoadFromFile(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, `{
		"data_dir": "/tmp/coworker-test",
		"session": {"driver": "sqlite", "idle_ttl": "2h"},
		"context": {"max_buffer": 8, "batch_size": 4},
		"supervisor": {"workers": 2, "dedup_ttl": "90s"},
		"generation": {"timeout": "45s"},
		"ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-xyz", "priority": 1}]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Session.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Session.IdleTTL)
	assert.Equal(t, 8, cfg.Context.MaxBuffer)
	assert.Equal(t, 4, cfg.Context.BatchSize)
	assert.Equal(t, 2, cfg.Supervisor.Workers)
	assert.Equal(t, 1024, cfg.Supervisor.QueueSize)
	assert.Equal(t, 90*time.Second, cfg.Supervisor.DedupTTL)
	assert.Equal(t, 45*time.Second, cfg.Generation.Timeout)
	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown section":  `{"telegram": {}}`,
		"bad driver":       `{"session": {"driver": "postgres"}}`,
		"bad duration":     `{"generation": {"timeout": "soon"}}`,
		"threshold range":  `{"supervisor": {"similarity_threshold": 1.5}}`,
		"missing provider": `{"ai": {"profiles": [{"id": "x"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid json"))
	assert.Error(t, err)
}

func TestLoadProfilesFromEnvironment(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("COWORKER_DATA_DIR", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("COWORKER_SESSION_DRIVER", "redis")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
	assert.Equal(t, "sk-openai", cfg.AI.Profiles[0].APIKey)
	assert.Equal(t, "redis", cfg.Session.Driver)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "openai", APIKey: "sk-1"}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"no profiles":          func(c *Config) { c.AI.Profiles = nil },
		"bad provider":         func(c *Config) { c.AI.Profiles[0].Provider = "llama" },
		"bad driver":           func(c *Config) { c.Session.Driver = "etcd" },
		"batch over buffer":    func(c *Config) { c.Context.BatchSize = 11 },
		"empty directive":      func(c *Config) { c.Supervisor.HintDirective = "" },
		"qdrant without embed": func(c *Config) { c.Retrieval.Backend = "qdrant" },
		"zero gen timeout":     func(c *Config) { c.Generation.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	require.Len(t, cfg.Warnings(), 1)
	assert.Contains(t, cfg.Warnings()[0], "embeddings.provider is none")

	cfg.Embeddings.Provider = "gemini"
	assert.Empty(t, cfg.Warnings())
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "openai", APIKey: "sk-secret"}}
	cfg.Session.Redis.Password = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "sk-secret")
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, "sk-secret", cfg.AI.Profiles[0].APIKey)
}

func TestValidatorValidateConfig(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	assert.Empty(t, v.ValidateConfig(cfg))

	cfg.Generation.Temperature = 2
	cfg.Supervisor.RepeatThreshold = 0
	cfg.Session.SweepSchedule = "every now and then"
	cfg.Logging.Level = "loud"
	cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "anthropic", APIKey: "nope"}}
	assert.Len(t, v.ValidateConfig(cfg), 5)
}
