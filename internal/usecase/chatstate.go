package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// ChatStateManager owns the conversation set and which one is active.
// Conversations are mutated only through its API; the invariant that the
// active id, when set, references an existing conversation is checked by
// ValidateState and restored by ResetState.
type ChatStateManager struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	activeID      string

	store    domain.ConversationStore
	recovery *RecoveryService
	logger   *slog.Logger

	watchStop chan struct{}
	watchOnce sync.Once
}

// NewChatStateManager creates a manager backed by the persistence
// collaborator. Call LoadAll before use and Close on shutdown.
func NewChatStateManager(store domain.ConversationStore, recovery *RecoveryService, logger *slog.Logger) *ChatStateManager {
	return &ChatStateManager{
		conversations: make(map[string]*domain.Conversation),
		store:         store,
		recovery:      recovery,
		logger:        logger,
		watchStop:     make(chan struct{}),
	}
}

// LoadAll populates the in-memory set from the store and starts watching the
// store's change stream so external mutations are picked up.
func (m *ChatStateManager) LoadAll(ctx context.Context) error {
	if err := m.reload(ctx); err != nil {
		return err
	}
	m.watchOnce.Do(func() { go m.watchChanges() })
	return nil
}

// Close stops the change-stream watcher.
func (m *ChatStateManager) Close() {
	select {
	case <-m.watchStop:
	default:
		close(m.watchStop)
	}
}

func (m *ChatStateManager) watchChanges() {
	for {
		select {
		case <-m.watchStop:
			return
		case _, ok := <-m.store.Changes():
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.mergeReload(ctx); err != nil {
				m.recovery.HandleServiceError(ctx, SubsystemChatState, "reload", err, nil)
			}
			cancel()
		}
	}
}

func (m *ChatStateManager) reload(ctx context.Context) error {
	list, err := m.store.List(ctx)
	if err != nil {
		return domain.WrapOp("load conversations", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = make(map[string]*domain.Conversation, len(list))
	for _, c := range list {
		m.conversations[c.ID] = c
	}
	if m.activeID != "" {
		if _, ok := m.conversations[m.activeID]; !ok {
			m.activeID = ""
		}
	}
	return nil
}

// mergeReload folds the store's view into memory without discarding local
// mutations. The change stream pulses on this manager's own saves too, and a
// wholesale replace would drop anything appended between the save and the
// reload landing. A stored conversation wins only when the in-memory copy has
// not been touched since it was persisted; in-memory conversations absent
// from the store are kept when they were touched after the listing began and
// treated as externally deleted otherwise.
func (m *ChatStateManager) mergeReload(ctx context.Context) error {
	listStart := time.Now()
	list, err := m.store.List(ctx)
	if err != nil {
		return domain.WrapOp("load conversations", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	merged := make(map[string]*domain.Conversation, len(list))
	for _, c := range list {
		if cur, ok := m.conversations[c.ID]; ok && cur.UpdatedAt.After(c.UpdatedAt) {
			merged[c.ID] = cur
			continue
		}
		merged[c.ID] = c
	}
	for id, cur := range m.conversations {
		if _, ok := merged[id]; !ok && cur.UpdatedAt.After(listStart) {
			merged[id] = cur
		}
	}
	m.conversations = merged
	if m.activeID != "" {
		if _, ok := m.conversations[m.activeID]; !ok {
			m.activeID = ""
		}
	}
	return nil
}

// Create adds a new conversation and makes it active.
func (m *ChatStateManager) Create(model, systemPrompt string) *domain.Conversation {
	c := domain.NewConversation(model, systemPrompt)

	m.mu.Lock()
	m.conversations[c.ID] = c
	m.activeID = c.ID
	m.mu.Unlock()

	m.logger.Debug("conversation created", "id", c.ID, "model", model)
	return c.Clone()
}

// SetActive switches the active conversation. It never cancels a running
// generation for another conversation; it only changes which conversation's
// buffers the caller surfaces.
func (m *ChatStateManager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("set active %q: %w", id, domain.ErrConversationNotFound)
	}
	m.activeID = id
	return nil
}

// Active returns a copy of the active conversation, or nil when none is set.
func (m *ChatStateManager) Active() *domain.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil
	}
	return m.conversations[m.activeID].Clone()
}

// ActiveID returns the active conversation id, or "" when none is set.
func (m *ChatStateManager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Get returns a copy of the conversation with the given id.
func (m *ChatStateManager) Get(id string) (*domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", id, domain.ErrConversationNotFound)
	}
	return c.Clone(), nil
}

// List returns copies of all conversations, most recently updated first.
func (m *ChatStateManager) List() []*domain.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// UpdateTitle sets a conversation's title.
func (m *ChatStateManager) UpdateTitle(id, title string) error {
	return m.update(id, func(c *domain.Conversation) { c.Title = title })
}

// UpdateModel sets a conversation's model.
func (m *ChatStateManager) UpdateModel(id, model string) error {
	return m.update(id, func(c *domain.Conversation) { c.Model = model })
}

// UpdateSettings sets or clears (nil) a conversation's generation override.
func (m *ChatStateManager) UpdateSettings(id string, settings *domain.GenerationSettings) error {
	return m.update(id, func(c *domain.Conversation) {
		if settings == nil {
			c.Settings = nil
			return
		}
		s := *settings
		c.Settings = &s
	})
}

// AppendMessage appends a message to a conversation.
func (m *ChatStateManager) AppendMessage(id string, msg domain.Message) error {
	return m.update(id, func(c *domain.Conversation) {
		if msg.ID == "" {
			msg.ID = domain.NewID(time.Now())
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		c.Messages = append(c.Messages, msg)
	})
}

func (m *ChatStateManager) update(id string, fn func(*domain.Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("update %q: %w", id, domain.ErrConversationNotFound)
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

// Delete removes a conversation from memory and the store. Deleting the
// active conversation clears the active id.
func (m *ChatStateManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.conversations[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %q: %w", id, domain.ErrConversationNotFound)
	}
	delete(m.conversations, id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		m.recovery.HandleServiceError(ctx, SubsystemChatState, "delete", err, nil)
		return domain.WrapOp("delete conversation", err)
	}
	return nil
}

// Persist writes a conversation through to the store.
func (m *ChatStateManager) Persist(ctx context.Context, id string) error {
	m.mu.RLock()
	c, ok := m.conversations[id]
	var snapshot *domain.Conversation
	if ok {
		snapshot = c.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("persist %q: %w", id, domain.ErrConversationNotFound)
	}
	if err := m.store.Save(ctx, snapshot); err != nil {
		m.recovery.HandleServiceError(ctx, SubsystemChatState, "persist", err, nil)
		return domain.WrapOp("persist conversation", err)
	}
	return nil
}

// ValidateState checks the structural invariants: the active id, when set,
// must reference an existing conversation, and every entry must be well
// formed. A violation is a programming error, not a user-facing one.
func (m *ChatStateManager) ValidateState() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID != "" {
		if _, ok := m.conversations[m.activeID]; !ok {
			m.logger.Error("state invariant violated: active id not in set", "active", m.activeID)
			return false
		}
	}
	for id, c := range m.conversations {
		if c == nil || c.ID != id {
			m.logger.Error("state invariant violated: malformed entry", "id", id)
			return false
		}
	}
	return true
}

// ResetState discards in-memory state and reloads from the store. Used by
// the state-reset recovery strategy.
func (m *ChatStateManager) ResetState(ctx context.Context) error {
	m.logger.Info("resetting chat state from store")
	return m.reload(ctx)
}
