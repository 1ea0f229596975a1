package domain

import (
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Thinking    string    `json:"thinking,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments []string  `json:"attachments,omitempty"`
	// Context is the opaque continuation blob returned by the backend after
	// non-streaming calls. It is passed back on the next turn.
	Context []int `json:"context,omitempty"`
}

// Conversation holds an ordered sequence of messages plus per-conversation
// generation overrides. It is owned by the chat state manager and mutated
// only through its API.
type Conversation struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Model     string              `json:"model"`
	Messages  []Message           `json:"messages"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Settings  *GenerationSettings `json:"settings,omitempty"` // nil = global defaults
}

// NewID generates a ULID for the given time.
func NewID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewConversation creates an empty conversation for the given model.
// A non-empty systemPrompt becomes the first message.
func NewConversation(model, systemPrompt string) *Conversation {
	now := time.Now()
	c := &Conversation{
		ID:        NewID(now),
		Model:     model,
		Messages:  make([]Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if systemPrompt != "" {
		c.Messages = append(c.Messages, Message{
			ID:        NewID(now),
			Role:      RoleSystem,
			Content:   systemPrompt,
			Timestamp: now,
		})
	}
	return c
}

// Clone returns a deep copy safe to hand to readers outside the owning lock.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.Settings != nil {
		s := *c.Settings
		cp.Settings = &s
	}
	return &cp
}

// LastContext returns the continuation blob from the most recent assistant
// message, or nil if none exists.
func (c *Conversation) LastContext() []int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := c.Messages[i]
		if m.Role == RoleAssistant && len(m.Context) > 0 {
			return m.Context
		}
	}
	return nil
}

// FirstUserContent returns the content of the earliest user message,
// or "" if the conversation has none. Used for title fallbacks.
func (c *Conversation) FirstUserContent() string {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
