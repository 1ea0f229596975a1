package domain

import "context"

// ConversationStore is the persistence collaborator for conversations.
type ConversationStore interface {
	Save(ctx context.Context, c *Conversation) error
	Load(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context) ([]*Conversation, error)
	Delete(ctx context.Context, id string) error
	// Changes pulses after every mutation so in-memory caches can reload
	// when conversations are modified outside of them.
	Changes() <-chan struct{}
}

// SettingsStore persists the global generation settings. Load must repair
// partially-invalid stored structures field-by-field rather than failing.
type SettingsStore interface {
	LoadGlobal(ctx context.Context) (GenerationSettings, error)
	SaveGlobal(ctx context.Context, s GenerationSettings) error
}
