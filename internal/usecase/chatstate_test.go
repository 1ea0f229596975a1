package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

func newChatState(store *memConversationStore) (*ChatStateManager, *RecoveryService) {
	recovery := testRecovery()
	return NewChatStateManager(store, recovery, discardLogger()), recovery
}

func TestCreateMakesActive(t *testing.T) {
	m, _ := newChatState(newMemConversationStore())
	defer m.Close()

	conv := m.Create("llama2", "be terse")
	assert.Equal(t, conv.ID, m.ActiveID())
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, domain.RoleSystem, conv.Messages[0].Role)

	active := m.Active()
	require.NotNil(t, active)
	assert.Equal(t, conv.ID, active.ID)
}

func TestSetActiveUnknownID(t *testing.T) {
	m, _ := newChatState(newMemConversationStore())
	defer m.Close()

	err := m.SetActive("nope")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	assert.Empty(t, m.ActiveID())
}

func TestAppendMessageFillsIdentity(t *testing.T) {
	m, _ := newChatState(newMemConversationStore())
	defer m.Close()

	conv := m.Create("llama2", "")
	require.NoError(t, m.AppendMessage(conv.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}))

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.NotEmpty(t, got.Messages[0].ID)
	assert.False(t, got.Messages[0].Timestamp.IsZero())
}

func TestClonesDoNotAliasState(t *testing.T) {
	m, _ := newChatState(newMemConversationStore())
	defer m.Close()

	conv := m.Create("llama2", "")
	conv.Title = "mutated copy"
	require.NoError(t, m.AppendMessage(conv.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}))

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title, "mutating a returned copy must not touch managed state")

	got.Messages[0].Content = "tampered"
	again, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Messages[0].Content)
}

func TestDeleteActiveClearsActiveID(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)
	defer m.Close()

	first := m.Create("llama2", "")
	second := m.Create("mistral", "")
	require.NoError(t, m.Persist(context.Background(), first.ID))
	require.NoError(t, m.Persist(context.Background(), second.ID))

	require.NoError(t, m.Delete(context.Background(), second.ID))
	assert.Empty(t, m.ActiveID())
	assert.True(t, m.ValidateState())

	_, err := m.Get(second.ID)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestDeleteStoreFailureReported(t *testing.T) {
	store := newMemConversationStore()
	store.deleteErr = errors.New("disk gone")
	m, recovery := newChatState(store)
	defer m.Close()

	conv := m.Create("llama2", "")
	err := m.Delete(context.Background(), conv.ID)
	require.Error(t, err)
	assert.True(t, recovery.HasServiceError(SubsystemChatState))
}

func TestPersistAndReload(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)

	conv := m.Create("llama2", "")
	require.NoError(t, m.AppendMessage(conv.ID, domain.Message{Role: domain.RoleUser, Content: "hello"}))
	require.NoError(t, m.Persist(context.Background(), conv.ID))
	m.Close()

	// A fresh manager over the same store sees the persisted conversation.
	m2, _ := newChatState(store)
	defer m2.Close()
	require.NoError(t, m2.LoadAll(context.Background()))

	got, err := m2.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Empty(t, m2.ActiveID(), "active selection is process state, not persisted")
}

func TestListMostRecentFirst(t *testing.T) {
	m, _ := newChatState(newMemConversationStore())
	defer m.Close()

	older := m.Create("llama2", "")
	time.Sleep(2 * time.Millisecond)
	newer := m.Create("mistral", "")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestValidateAndResetState(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)
	defer m.Close()
	require.NoError(t, m.LoadAll(context.Background()))

	conv := m.Create("llama2", "")
	require.NoError(t, m.Persist(context.Background(), conv.ID))
	assert.True(t, m.ValidateState())

	require.NoError(t, m.ResetState(context.Background()))
	assert.True(t, m.ValidateState())

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestWatchChangesReloads(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)
	defer m.Close()
	require.NoError(t, m.LoadAll(context.Background()))

	// Simulate an external writer: mutate the store directly, then pulse.
	external := domain.NewConversation("llama2", "")
	require.NoError(t, store.Save(context.Background(), external))
	store.changes <- struct{}{}

	require.Eventually(t, func() bool {
		_, err := m.Get(external.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestReloadKeepsUnpersistedMessages(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)
	defer m.Close()
	require.NoError(t, m.LoadAll(context.Background()))

	conv := m.Create("llama2", "")
	require.NoError(t, m.AppendMessage(conv.ID, domain.Message{Role: domain.RoleUser, Content: "first"}))
	require.NoError(t, m.Persist(context.Background(), conv.ID))

	// A message lands between the persist and the change pulse being
	// serviced: the reload must not roll the conversation back to the
	// store's stale copy.
	require.NoError(t, m.AppendMessage(conv.ID, domain.Message{Role: domain.RoleUser, Content: "second"}))
	store.changes <- struct{}{}

	require.Never(t, func() bool {
		got, err := m.Get(conv.ID)
		return err != nil || len(got.Messages) != 2
	}, 200*time.Millisecond, 10*time.Millisecond)

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Messages[1].Content)
}

func TestReloadMergesExternalWithLocal(t *testing.T) {
	store := newMemConversationStore()
	m, _ := newChatState(store)
	defer m.Close()
	require.NoError(t, m.LoadAll(context.Background()))

	local := m.Create("llama2", "")
	require.NoError(t, m.Persist(context.Background(), local.ID))
	require.NoError(t, m.AppendMessage(local.ID, domain.Message{Role: domain.RoleUser, Content: "unsaved"}))

	external := domain.NewConversation("mistral", "")
	require.NoError(t, store.Save(context.Background(), external))
	store.changes <- struct{}{}

	// Once the external conversation is visible the reload has landed; the
	// local unsaved message must have survived it.
	require.Eventually(t, func() bool {
		_, err := m.Get(external.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	got, err := m.Get(local.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "unsaved", got.Messages[0].Content)
}
