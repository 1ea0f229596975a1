package domain

import (
	"context"
	"time"
)

// ModelInfo describes a model available on the backend.
type ModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// ChatRequest is sent to the generation backend.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Options  map[string]any `json:"options,omitempty"`
	Context  []int          `json:"context,omitempty"`
	Stream   bool           `json:"stream,omitempty"`
}

// ChatResponse is a complete (non-streaming) backend reply.
type ChatResponse struct {
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Context   []int     `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamDelta is a single incremental chunk from a streaming reply.
// Err is set at most once, as the final delta, when the stream fails
// after it was successfully opened.
type StreamDelta struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
	Context  []int  `json:"context,omitempty"`
	Err      error  `json:"-"`
}

// ChatBackend is the generation backend collaborator.
type ChatBackend interface {
	// ListModels returns the models currently available on the backend.
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream sends a request and returns a channel of incremental deltas.
	// The channel is closed when the stream ends or ctx is cancelled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
	// TestConnection reports whether the backend is reachable.
	TestConnection(ctx context.Context) bool
}
