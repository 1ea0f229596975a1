package usecase

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// Shared test doubles for the usecase package.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecovery() *RecoveryService {
	return NewRecoveryService(config.RecoveryConfig{
		MaxFailures: 5,
		OpenTimeout: 100 * time.Millisecond,
		Interval:    time.Minute,
	}, discardLogger())
}

// mockBackend is a scriptable domain.ChatBackend.
type mockBackend struct {
	listModelsFunc func(ctx context.Context) ([]domain.ModelInfo, error)
	chatFunc       func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	chatStreamFunc func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error)
	testConnFunc   func(ctx context.Context) bool
}

var _ domain.ChatBackend = (*mockBackend)(nil)

func (m *mockBackend) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if m.listModelsFunc != nil {
		return m.listModelsFunc(ctx)
	}
	return nil, nil
}

func (m *mockBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.chatFunc != nil {
		return m.chatFunc(ctx, req)
	}
	return &domain.ChatResponse{}, nil
}

func (m *mockBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if m.chatStreamFunc != nil {
		return m.chatStreamFunc(ctx, req)
	}
	ch := make(chan domain.StreamDelta)
	close(ch)
	return ch, nil
}

func (m *mockBackend) TestConnection(ctx context.Context) bool {
	if m.testConnFunc != nil {
		return m.testConnFunc(ctx)
	}
	return true
}

// scriptedStream turns a fixed delta sequence into a ChatStream implementation.
func scriptedStream(deltas ...domain.StreamDelta) func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return func(ctx context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
		ch := make(chan domain.StreamDelta)
		go func() {
			defer close(ch)
			for _, d := range deltas {
				select {
				case ch <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

// memConversationStore is an in-memory domain.ConversationStore with
// injectable failures.
type memConversationStore struct {
	mu      sync.Mutex
	data    map[string]*domain.Conversation
	changes chan struct{}

	saveErr   error
	listErr   error
	deleteErr error
	saves     int
}

var _ domain.ConversationStore = (*memConversationStore)(nil)

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{
		data:    make(map[string]*domain.Conversation),
		changes: make(chan struct{}, 1),
	}
}

func (s *memConversationStore) Save(_ context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data[c.ID] = c.Clone()
	s.saves++
	return nil
}

func (s *memConversationStore) Load(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[id].Clone(), nil
}

func (s *memConversationStore) List(_ context.Context) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*domain.Conversation, 0, len(s.data))
	for _, c := range s.data {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memConversationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.data, id)
	return nil
}

func (s *memConversationStore) Changes() <-chan struct{} { return s.changes }

func (s *memConversationStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// memSettingsStore is an in-memory domain.SettingsStore.
type memSettingsStore struct {
	mu      sync.Mutex
	stored  *domain.GenerationSettings
	saveErr error
	loadErr error
}

var _ domain.SettingsStore = (*memSettingsStore)(nil)

func (s *memSettingsStore) LoadGlobal(context.Context) (domain.GenerationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return domain.GenerationSettings{}, s.loadErr
	}
	if s.stored == nil {
		return domain.DefaultGenerationSettings(), nil
	}
	return *s.stored, nil
}

func (s *memSettingsStore) SaveGlobal(_ context.Context, settings domain.GenerationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.stored = &settings
	return nil
}
