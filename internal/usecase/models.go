package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// ModelManager caches the backend's model list. Refresh failures are routed
// through the recovery service; the previous cache stays intact on failure,
// since a stale list beats an empty one.
type ModelManager struct {
	backend  domain.ChatBackend
	recovery *RecoveryService
	logger   *slog.Logger

	mu          sync.RWMutex
	models      []domain.ModelInfo
	lastRefresh time.Time
}

// NewModelManager creates a model manager.
func NewModelManager(backend domain.ChatBackend, recovery *RecoveryService, logger *slog.Logger) *ModelManager {
	return &ModelManager{
		backend:  backend,
		recovery: recovery,
		logger:   logger,
	}
}

// RefreshModels fetches the model list through the subsystem's circuit
// breaker. On failure the cached list is left untouched.
func (m *ModelManager) RefreshModels(ctx context.Context) error {
	res, err := m.recovery.ExecuteServiceOperation(ctx, SubsystemModelManager, func(ctx context.Context) (any, error) {
		return m.backend.ListModels(ctx)
	})
	if err != nil {
		m.logger.Warn("model refresh failed, keeping cached list", "error", err)
		return domain.WrapOp("refresh models", err)
	}

	models := res.([]domain.ModelInfo)
	m.mu.Lock()
	m.models = models
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	m.logger.Debug("model list refreshed", "count", len(models))
	return nil
}

// reload bypasses the circuit breaker; used by the model-reload recovery
// strategy, which must be able to probe while the breaker is open.
func (m *ModelManager) reload(ctx context.Context) error {
	models, err := m.backend.ListModels(ctx)
	if err != nil {
		return domain.WrapOp("reload models", err)
	}
	m.mu.Lock()
	m.models = models
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	return nil
}

// Models returns a copy of the cached model list.
func (m *ModelManager) Models() []domain.ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ModelInfo, len(m.models))
	copy(out, m.models)
	return out
}

// ModelNames returns the cached model names in list order.
func (m *ModelManager) ModelNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.models))
	for i, mi := range m.models {
		names[i] = mi.Name
	}
	return names
}

// HasModel reports whether name is in the cached list.
func (m *ModelManager) HasModel(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mi := range m.models {
		if mi.Name == name {
			return true
		}
	}
	return false
}

// LastRefresh returns when the cache was last successfully refreshed.
func (m *ModelManager) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

// EnsureFresh refreshes the cache when it is older than maxAge.
func (m *ModelManager) EnsureFresh(ctx context.Context, maxAge time.Duration) error {
	m.mu.RLock()
	stale := time.Since(m.lastRefresh) > maxAge
	m.mu.RUnlock()
	if !stale {
		return nil
	}
	return m.RefreshModels(ctx)
}
