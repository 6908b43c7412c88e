package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	})

	err := cmd.Execute()
	return output.String(), err
}

// writeConfig writes a minimal config file rooted at a temp data dir.
func writeConfig(t *testing.T, extra string) (path, dataDir string) {
	t.Helper()
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(env, "")
	}
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	body := `{"data_dir": "` + dataDir + `"` + extra + `}`
	path = filepath.Join(dir, "coworker.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dataDir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "coworker version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "supervisor")
		for _, sub := range []string{"serve", "chat", "session", "knowledge", "status", "stop", "config"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)

		envFlag := cmd.PersistentFlags().Lookup("env-file")
		require.NotNil(t, envFlag)
		assert.Equal(t, ".env", envFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("COWORKER_CLI_TEST_VALUE=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("COWORKER_CLI_TEST_VALUE") })

	old := envFile
	defer func() { envFile = old }()

	envFile = path
	require.NoError(t, loadEnv(nil, nil))
	assert.Equal(t, "from-dotenv", os.Getenv("COWORKER_CLI_TEST_VALUE"))

	envFile = filepath.Join(t.TempDir(), "missing.env")
	assert.NoError(t, loadEnv(nil, nil))
}

func TestConfigCommands(t *testing.T) {
	t.Run("validate accepts a usable config", func(t *testing.T) {
		path, _ := writeConfig(t, `, "ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-secret"}]}`)
		out, err := execute(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
		assert.Contains(t, out, "Warning: embeddings.provider is none")
	})

	t.Run("validate is quiet with an embeddings provider", func(t *testing.T) {
		path, _ := writeConfig(t, `, "ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-secret"}]}, "embeddings": {"provider": "openai", "api_key": "sk-embed"}`)
		out, err := execute(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
		assert.NotContains(t, out, "Warning")
	})

	t.Run("validate rejects a config without profiles", func(t *testing.T) {
		path, _ := writeConfig(t, "")
		_, err := execute(t, "config", "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials")
	})

	t.Run("show masks credentials", func(t *testing.T) {
		path, _ := writeConfig(t, `, "ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-secret"}]}`)
		out, err := execute(t, "config", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)
		assert.Contains(t, out, "***")
		assert.NotContains(t, out, "sk-ant-secret")
	})

	t.Run("schema errors surface", func(t *testing.T) {
		path, _ := writeConfig(t, `, "telegram": {}`)
		_, err := execute(t, "config", "show", "--config", path)
		assert.Error(t, err)
	})
}
