package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

func TestFileOutputAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closeFn, err := New(config.LoggerConfig{Level: "warn", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closeFn, err := New(config.LoggerConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("hello", "key", "value")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"), "expected JSON output, got %q", line)
	assert.Contains(t, line, `"key":"value"`)
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closeFn, err := New(config.LoggerConfig{Level: "bogus", Output: path})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("kept")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestUnwritableFileErrors(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "app.log")})
	assert.Error(t, err)
}
