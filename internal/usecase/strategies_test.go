package usecase

import (
	"context"
	"testing"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

func TestConnectionRetryStrategyRecovers(t *testing.T) {
	probes := 0
	backend := &mockBackend{
		testConnFunc: func(context.Context) bool {
			probes++
			return probes >= 2 // first probe fails, second succeeds
		},
	}
	s := &ConnectionRetryStrategy{Backend: backend}

	if err := s.AttemptRecovery(context.Background()); err != nil {
		t.Fatalf("AttemptRecovery: %v", err)
	}
	if probes != 2 {
		t.Errorf("probes = %d, want 2", probes)
	}
}

func TestConnectionRetryStrategyExhausts(t *testing.T) {
	probes := 0
	backend := &mockBackend{
		testConnFunc: func(context.Context) bool {
			probes++
			return false
		},
	}
	s := &ConnectionRetryStrategy{Backend: backend, MaxRetries: 2}

	if err := s.AttemptRecovery(context.Background()); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if probes != 3 {
		t.Errorf("probes = %d, want initial attempt plus 2 retries", probes)
	}
}

func TestModelReloadStrategyBypassesBreaker(t *testing.T) {
	backend := &mockBackend{
		listModelsFunc: func(context.Context) ([]domain.ModelInfo, error) {
			return modelList("llama2"), nil
		},
	}
	recovery := testRecovery()
	models := NewModelManager(backend, recovery, discardLogger())
	s := &ModelReloadStrategy{Models: models}

	if err := s.AttemptRecovery(context.Background()); err != nil {
		t.Fatalf("AttemptRecovery: %v", err)
	}
	if !models.HasModel("llama2") {
		t.Error("model cache not reloaded")
	}
}

func TestNoopStrategyAlwaysFails(t *testing.T) {
	if err := (NoopStrategy{}).AttemptRecovery(context.Background()); err == nil {
		t.Error("noop strategy must report failure")
	}
}
