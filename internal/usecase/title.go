package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

const (
	titlePrompt      = "Summarize the following message as a conversation title of at most five words. Reply with the title only, no quotes or punctuation around it."
	titleMaxLen      = 60
	titleInputCap    = 500
	titleFallbackLen = 40
)

// TitleGenerator derives a short title for an untitled conversation from its
// first user message. It is best-effort: failures never block a conversation
// and it asks the backend at most once per conversation per process.
type TitleGenerator struct {
	backend  domain.ChatBackend
	models   *ModelManager
	recovery *RecoveryService
	logger   *slog.Logger

	mu        sync.Mutex
	attempted map[string]bool
}

// NewTitleGenerator creates a title generator.
func NewTitleGenerator(backend domain.ChatBackend, models *ModelManager, recovery *RecoveryService, logger *slog.Logger) *TitleGenerator {
	return &TitleGenerator{
		backend:   backend,
		models:    models,
		recovery:  recovery,
		logger:    logger,
		attempted: make(map[string]bool),
	}
}

// Generate returns a title for the conversation and whether one was
// produced. An already-attempted conversation, an empty conversation, or a
// backend failure yields a fallback derived from the first user message.
func (g *TitleGenerator) Generate(ctx context.Context, conv *domain.Conversation) (string, bool) {
	if conv == nil {
		return "", false
	}
	seed := conv.FirstUserContent()
	if seed == "" {
		return "", false
	}

	g.mu.Lock()
	if g.attempted[conv.ID] {
		g.mu.Unlock()
		return "", false
	}
	g.attempted[conv.ID] = true
	g.mu.Unlock()

	model := conv.Model
	if model == "" {
		names := g.models.ModelNames()
		if len(names) == 0 {
			return fallbackTitle(seed), true
		}
		model = names[0]
	}

	if len(seed) > titleInputCap {
		seed = seed[:titleInputCap]
	}

	resp, err := g.backend.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: titlePrompt},
			{Role: domain.RoleUser, Content: seed},
		},
		// Low temperature keeps titles short and deterministic.
		Options: map[string]any{"temperature": 0.3, "num_predict": 30},
	})
	if err != nil {
		g.recovery.HandleServiceError(ctx, SubsystemTitles, "generate", err, nil)
		return fallbackTitle(seed), true
	}

	title := cleanTitle(resp.Message.Content)
	if title == "" {
		return fallbackTitle(seed), true
	}
	g.logger.Debug("title generated", "conversation", conv.ID, "title", title)
	return title, true
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if len(title) > titleMaxLen {
		title = strings.TrimSpace(title[:titleMaxLen])
	}
	return title
}

func fallbackTitle(seed string) string {
	title := strings.TrimSpace(seed)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > titleFallbackLen {
		title = strings.TrimSpace(title[:titleFallbackLen]) + "…"
	}
	return title
}
