package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	path := writeConfig(t, "anthropic:\n  model: claude-sonnet-4-5\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "default", cfg.Temporal.Namespace)
	assert.Equal(t, "tailor-pipeline", cfg.Temporal.TaskQueue)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "tailor", cfg.Mongo.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Pipeline.MaxRevisionLoops)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.APIKey)
	assert.Equal(t, "sk-oai-test", cfg.OpenAI.APIKey)
}

func TestLoadConfigFileOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	path := writeConfig(t, `
http:
  addr: ":9090"
temporal:
  host_port: temporal.internal:7233
  task_queue: tailor-staging
anthropic:
  model: claude-sonnet-4-5
pipeline:
  max_revision_loops: 4
  blocklist: [rockstar, ninja]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "temporal.internal:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "tailor-staging", cfg.Temporal.TaskQueue)
	assert.Equal(t, 4, cfg.Pipeline.MaxRevisionLoops)
	assert.Equal(t, []string{"rockstar", "ninja"}, cfg.Pipeline.Blocklist)
}

func TestLoadConfigRequiredFields(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := LoadConfig(writeConfig(t, "anthropic:\n  model: ''\n"))
	assert.ErrorContains(t, err, "anthropic.model")

	_, err = LoadConfig(writeConfig(t, "anthropic:\n  model: claude-sonnet-4-5\n"))
	assert.ErrorContains(t, err, "anthropic.api_key")

	_, err = LoadConfig(writeConfig(t, "anthropic:\n  model: claude-sonnet-4-5\n  api_key: sk\n"))
	assert.ErrorContains(t, err, "openai.api_key")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
