package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// StateResetStrategy recovers the chat state manager by discarding in-memory
// state and reloading from the persistence collaborator.
type StateResetStrategy struct {
	State *ChatStateManager
}

func (s *StateResetStrategy) Name() string { return "state-reset" }

func (s *StateResetStrategy) AttemptRecovery(ctx context.Context) error {
	return s.State.ResetState(ctx)
}

// ConnectionRetryStrategy recovers connection failures by probing the backend
// with exponential backoff until it answers or the attempts are exhausted.
type ConnectionRetryStrategy struct {
	Backend domain.ChatBackend
	// MaxRetries bounds the probe attempts; 0 = default of 3.
	MaxRetries uint64
}

func (s *ConnectionRetryStrategy) Name() string { return "connection-retry" }

func (s *ConnectionRetryStrategy) AttemptRecovery(ctx context.Context) error {
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(func() error {
		if !s.Backend.TestConnection(ctx) {
			return fmt.Errorf("probe failed: %w", domain.ErrConnection)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// ModelReloadStrategy recovers the model manager by re-fetching the model
// list directly from the backend.
type ModelReloadStrategy struct {
	Models *ModelManager
}

func (s *ModelReloadStrategy) Name() string { return "model-reload" }

func (s *ModelReloadStrategy) AttemptRecovery(ctx context.Context) error {
	return s.Models.reload(ctx)
}

// NoopStrategy is registered for subsystems with no meaningful automatic
// recovery; it reports failure so the error stays recorded as degraded.
type NoopStrategy struct{}

func (NoopStrategy) Name() string { return "noop" }

func (NoopStrategy) AttemptRecovery(context.Context) error {
	return fmt.Errorf("no automatic recovery available")
}
