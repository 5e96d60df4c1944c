package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maxai.yaml")
	content := `
server:
  address: ":9090"
orchestrator:
  max_iterations: 2
  capability_timeouts:
    web_fetch: 5
  fallbacks:
    intelligent_search: web_fetch
storage:
  sessions:
    driver: sqlite
    dsn: "file:sessions.db"
llm:
  provider: none
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 10000, cfg.Server.MaxQueryLength)
	assert.Equal(t, 2, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.TimeoutFor("web_fetch"))
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.TimeoutFor("intelligent_search"))
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.TimeoutFor("file_operations"))
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.TimeoutFor("calculator"))
	assert.Equal(t, "web_fetch", cfg.Orchestrator.Fallbacks["intelligent_search"])
	assert.Equal(t, "sqlite", cfg.Storage.Sessions.Driver)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "workspace"), cfg.Capabilities.WorkspaceDir)
	assert.Equal(t, "memory", cfg.TaskQueue.Driver)
}

func TestLoadJSONAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maxai.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"llm":{"provider":"openai"}}`), 0o644))

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TAVILY_API_KEY", "tvly-test")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "tvly-test", cfg.Capabilities.TavilyAPIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout())
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}
