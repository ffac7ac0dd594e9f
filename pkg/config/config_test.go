package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/steward/pkg/llm"
)

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a large file (> 1MB)
	largeFile := filepath.Join(tmpDir, "large.yaml")
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	require.NoError(t, os.WriteFile(largeFile, []byte(data), 0o600))

	_, err := LoadConfig(largeFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	tmpDir := t.TempDir()

	validConfig := `
workspace: /work
trust_workspace: true
intent:
  auto_advance: 0.9
orchestrator:
  max_parallel_tasks: 2
  consent_timeout: 30s
llm:
  backends:
    - provider: openai
      model: gpt-4o-mini
    - provider: bedrock
      region: us-east-1
  retry:
    max_attempts: 5
    base_delay: 100ms
storage:
  dir: ` + tmpDir + `
  checkpoints:
    backend: sqlite
    retention:
      schedule: "@daily"
      keep: 10
  sessions:
    backend: redis
    redis:
      addr: localhost:6379
some_unknown_key: ignored
`
	validFile := filepath.Join(tmpDir, "valid.yaml")
	require.NoError(t, os.WriteFile(validFile, []byte(validConfig), 0o600))

	cfg, err := LoadConfig(validFile)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/work", cfg.Workspace)
	assert.True(t, cfg.Trusted())
	assert.Equal(t, []string{"."}, cfg.Grants())
	assert.Equal(t, 0.9, cfg.Intent.AutoAdvance)
	assert.Equal(t, 0.5, cfg.Intent.Confirm)
	assert.Equal(t, 2, cfg.Orchestrator.MaxParallelTasks)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ConsentTimeout)
	require.Len(t, cfg.LLM.Backends, 2)
	assert.Equal(t, "env-key", cfg.LLM.Backends[0].APIKey)
	assert.Empty(t, cfg.LLM.Backends[1].APIKey)
	assert.Equal(t, 5, cfg.LLM.Retry.Options().MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.LLM.Retry.Options().BaseDelay)
	assert.Equal(t, "sqlite", cfg.Storage.Checkpoints.Backend)
	assert.Equal(t, 10, cfg.Storage.Checkpoints.Retention.Keep)
	assert.Equal(t, "memory", cfg.Storage.Memory.Backend)
	assert.Equal(t, filepath.Join(tmpDir, "checkpoints.db"), cfg.Path(cfg.Storage.Checkpoints.Path, "checkpoints.db"))
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ".", cfg.Workspace)
	assert.False(t, cfg.Trusted(), "the policy alone decides which paths are trusted")
	assert.Equal(t, DefaultHistorySize, cfg.Events.HistorySize)
	require.NotNil(t, cfg.Events.Redeliveries)
	assert.Equal(t, DefaultRedeliveries, *cfg.Events.Redeliveries)
	assert.Empty(t, cfg.Grants())
	assert.Equal(t, 0.8, cfg.Intent.AutoAdvance)
	assert.Equal(t, 0.5, cfg.Intent.Confirm)
	assert.Equal(t, DefaultMaxParallelTasks, cfg.Orchestrator.MaxParallelTasks)
	assert.Equal(t, "file", cfg.Storage.Checkpoints.Backend)
	assert.Equal(t, "file", cfg.Storage.Sessions.Backend)
	assert.Equal(t, "hash", cfg.Storage.Memory.Embedder)
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()

	invalidYAML := `
workspace: .
invalid yaml here: [[[
`
	invalidFile := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalidFile, []byte(invalidYAML), 0o600))

	_, err := LoadConfig(invalidFile)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted thresholds", func(c *Config) { c.Intent.Confirm = 0.9; c.Intent.AutoAdvance = 0.6 }, "intent"},
		{"parallelism", func(c *Config) { c.Orchestrator.MaxParallelTasks = -1 }, "max_parallel_tasks"},
		{"checkpoint backend", func(c *Config) { c.Storage.Checkpoints.Backend = "s3" }, "storage.checkpoints.backend"},
		{"redis without addr", func(c *Config) { c.Storage.Sessions.Backend = "redis" }, "storage.sessions.redis.addr"},
		{"firestore without project", func(c *Config) {
			c.Storage.Memory.Backend = "firestore"
			c.Storage.Memory.Firestore.ProjectID = ""
		}, "project_id"},
		{"unknown provider", func(c *Config) {
			c.LLM.Backends = append(c.LLM.Backends, llm.BackendConfig{Provider: "acme"})
		}, "provider"},
		{"unknown role", func(c *Config) { c.Role = "wizard" }, "role"},
		{"negative redeliveries", func(c *Config) { n := -1; c.Events.Redeliveries = &n }, "events.redeliveries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Orchestrator.MaxParallelTasks = 7
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Orchestrator.MaxParallelTasks)
	assert.False(t, loaded.Trusted())
}
