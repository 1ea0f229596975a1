package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:11434", cfg.Server.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Server.ConnTimeout)
	assert.Equal(t, 300*time.Second, cfg.Server.RespTimeout)
	assert.Equal(t, 5.0, cfg.Server.RequestsPerSecond)
	assert.Equal(t, 60*time.Second, cfg.Generation.IdleTimeout)
	assert.Equal(t, uint32(5), cfg.Recovery.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Recovery.OpenTimeout)
	assert.Equal(t, "ollamaverse.db", cfg.Store.Path)
	assert.Equal(t, int64(512*1024), cfg.Files.MaxFileBytes)
	assert.Contains(t, cfg.Files.AllowedExts, ".txt")
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  base_url: http://ollama.lan:11434
  requests_per_second: 10
generation:
  streaming: true
  context_length: 8192
  system_prompt: "be brief"
recovery:
  max_failures: 3
  open_timeout: 10s
store:
  path: /tmp/chats.db
logger:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ollama.lan:11434", cfg.Server.BaseURL)
	assert.Equal(t, 10.0, cfg.Server.RequestsPerSecond)
	assert.True(t, cfg.Generation.Streaming)
	assert.Equal(t, 8192, cfg.Generation.ContextLength)
	assert.Equal(t, "be brief", cfg.Generation.SystemPrompt)
	assert.Equal(t, uint32(3), cfg.Recovery.MaxFailures)
	assert.Equal(t, 10*time.Second, cfg.Recovery.OpenTimeout)
	assert.Equal(t, "/tmp/chats.db", cfg.Store.Path)
	assert.Equal(t, "json", cfg.Logger.Format)

	// Untouched fields still get defaults.
	assert.Equal(t, 5*time.Second, cfg.Server.ConnTimeout)
	assert.Equal(t, 60*time.Second, cfg.Recovery.Interval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [this is not\n  a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Logger.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Generation.ContextLength = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "stdout"
	assert.NoError(t, cfg.Validate())
}
