package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// FileContext is one attachment converted to a prompt-context fragment.
type FileContext struct {
	Name    string
	Content string
}

// FileProcessingManager converts attachments into text fragments used as
// prompt context. Unsupported or oversized files are rejected with
// validation errors; a bad attachment never blocks the send.
type FileProcessingManager struct {
	cfg      config.FilesConfig
	recovery *RecoveryService
	logger   *slog.Logger
}

// NewFileProcessingManager creates a file processing manager.
func NewFileProcessingManager(cfg config.FilesConfig, recovery *RecoveryService, logger *slog.Logger) *FileProcessingManager {
	return &FileProcessingManager{cfg: cfg, recovery: recovery, logger: logger}
}

// Process reads each path into a context fragment. Fragments for readable
// files are returned even when other paths fail; the first failure is
// reported to recovery and returned alongside the successes.
func (f *FileProcessingManager) Process(ctx context.Context, paths []string) ([]FileContext, error) {
	var (
		out      []FileContext
		firstErr error
	)
	for _, path := range paths {
		fragment, err := f.processOne(path)
		if err != nil {
			f.logger.Warn("attachment rejected", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, fragment)
	}
	if firstErr != nil {
		f.recovery.HandleServiceError(ctx, SubsystemFiles, "process", firstErr, nil)
	}
	return out, firstErr
}

func (f *FileProcessingManager) processOne(path string) (FileContext, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !f.allowed(ext) {
		return FileContext{}, fmt.Errorf("unsupported file type %q: %w", ext, domain.ErrValidation)
	}

	info, err := os.Stat(path)
	if err != nil {
		return FileContext{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.Size() > f.cfg.MaxFileBytes {
		return FileContext{}, fmt.Errorf("file %s exceeds %d bytes: %w",
			filepath.Base(path), f.cfg.MaxFileBytes, domain.ErrValidation)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileContext{}, fmt.Errorf("read attachment: %w", err)
	}
	if !utf8.Valid(data) {
		return FileContext{}, fmt.Errorf("file %s is not valid UTF-8 text: %w",
			filepath.Base(path), domain.ErrValidation)
	}

	return FileContext{Name: filepath.Base(path), Content: string(data)}, nil
}

func (f *FileProcessingManager) allowed(ext string) bool {
	for _, a := range f.cfg.AllowedExts {
		if ext == a {
			return true
		}
	}
	return false
}
