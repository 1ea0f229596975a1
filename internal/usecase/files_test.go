package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

func newFileManager(maxBytes int64) (*FileProcessingManager, *RecoveryService) {
	recovery := testRecovery()
	cfg := config.FilesConfig{
		MaxFileBytes: maxBytes,
		AllowedExts:  []string{".txt", ".md", ".go"},
	}
	return NewFileProcessingManager(cfg, recovery, discardLogger()), recovery
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessReadsAllowedFiles(t *testing.T) {
	f, _ := newFileManager(1024)
	path := writeTemp(t, "notes.txt", []byte("some notes"))

	out, err := f.Process(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d fragments", len(out))
	}
	if out[0].Name != "notes.txt" || out[0].Content != "some notes" {
		t.Errorf("fragment = %+v", out[0])
	}
}

func TestProcessRejectsUnsupportedExtension(t *testing.T) {
	f, recovery := newFileManager(1024)
	path := writeTemp(t, "image.png", []byte{0x89, 0x50})

	out, err := f.Process(context.Background(), []string{path})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d fragments, want 0", len(out))
	}
	if !recovery.HasServiceError(SubsystemFiles) {
		t.Error("rejection not reported")
	}
}

func TestProcessRejectsOversizedFile(t *testing.T) {
	f, _ := newFileManager(4)
	path := writeTemp(t, "big.txt", []byte("this is more than four bytes"))

	_, err := f.Process(context.Background(), []string{path})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestProcessRejectsBinaryContent(t *testing.T) {
	f, _ := newFileManager(1024)
	path := writeTemp(t, "binary.txt", []byte{0xff, 0xfe, 0x00, 0x80})

	_, err := f.Process(context.Background(), []string{path})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestProcessPartialSuccess(t *testing.T) {
	f, _ := newFileManager(1024)
	good := writeTemp(t, "ok.md", []byte("# fine"))
	missing := filepath.Join(t.TempDir(), "missing.txt")

	out, err := f.Process(context.Background(), []string{good, missing})
	if err == nil {
		t.Error("expected an error for the missing file")
	}
	if len(out) != 1 || out[0].Name != "ok.md" {
		t.Errorf("fragments = %+v, want the readable file", out)
	}
}
