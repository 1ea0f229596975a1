// Package logger builds the process-wide slog.Logger from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger per cfg. The REPL owns stdout for streamed model
// output, so logs default to stderr; any other output value is treated as a
// file path opened for append, released by the returned close function.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	var (
		w       io.Writer
		closeFn = func() error { return nil }
	)
	switch strings.ToLower(cfg.Output) {
	case "stderr", "":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.Output, err)
		}
		w, closeFn = f, f.Close
	}

	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}
