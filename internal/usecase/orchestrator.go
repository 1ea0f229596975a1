package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// StateSnapshot is the single mutable view the orchestrator exposes to its
// presentation layer. It is an immutable copy; consumers never share state
// with the orchestrator.
type StateSnapshot struct {
	ActiveConversation *domain.Conversation
	Conversations      []*domain.Conversation
	Models             []string
	IsGenerating       bool
	// ActiveGenerating is true when the in-flight session targets the
	// active conversation; a background session leaves it false.
	ActiveGenerating bool
	StreamedText     string
	ThinkingText     string
	ShowThinking     bool
	LastError        *domain.ErrorState
	SystemHealth     domain.SystemHealth
}

// Orchestrator composes the services behind the public operation set and
// serializes user-initiated operations against the single active generation.
type Orchestrator struct {
	state         *ChatStateManager
	settings      *SettingsService
	streaming     *StreamingService
	models        *ModelManager
	titles        *TitleGenerator
	files         *FileProcessingManager
	recovery      *RecoveryService
	settingsStore domain.SettingsStore
	logger        *slog.Logger
	genCfg        config.GenerationConfig

	mu           sync.Mutex // serializes user-initiated operations
	global       domain.GenerationSettings
	session      *Session
	buffers      map[string]*convBuffer
	lastError    *domain.ErrorState
	showThinking bool

	events chan StateSnapshot
}

// convBuffer accumulates the in-progress streamed text for one conversation.
type convBuffer struct {
	content  strings.Builder
	thinking strings.Builder
}

// OrchestratorDeps carries the collaborators injected at startup. Explicit
// ownership keeps test instances isolated; there are no process-wide
// singletons behind this type.
type OrchestratorDeps struct {
	State         *ChatStateManager
	Settings      *SettingsService
	Streaming     *StreamingService
	Models        *ModelManager
	Titles        *TitleGenerator
	Files         *FileProcessingManager
	Recovery      *RecoveryService
	SettingsStore domain.SettingsStore
	Logger        *slog.Logger
	Generation    config.GenerationConfig
}

// NewOrchestrator wires the orchestrator from its dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		state:         deps.State,
		settings:      deps.Settings,
		streaming:     deps.Streaming,
		models:        deps.Models,
		titles:        deps.Titles,
		files:         deps.Files,
		recovery:      deps.Recovery,
		settingsStore: deps.SettingsStore,
		logger:        deps.Logger,
		genCfg:        deps.Generation,
		global:        domain.DefaultGenerationSettings(),
		buffers:       make(map[string]*convBuffer),
		events:        make(chan StateSnapshot, 1),
	}
}

// Init loads persisted state: global settings, the conversation set, and a
// best-effort model refresh. Collaborator failures during Init degrade the
// relevant subsystem instead of failing startup.
func (o *Orchestrator) Init(ctx context.Context) error {
	global, err := o.settingsStore.LoadGlobal(ctx)
	if err != nil {
		o.recovery.HandleServiceError(ctx, SubsystemSettings, "load", err, nil)
	} else {
		o.mu.Lock()
		o.global = global
		o.mu.Unlock()
	}

	if err := o.state.LoadAll(ctx); err != nil {
		o.recovery.HandleServiceError(ctx, SubsystemChatState, "load", err, nil)
	}

	if err := o.models.RefreshModels(ctx); err != nil {
		o.logger.Warn("initial model refresh failed", "error", err)
	}

	o.publish()
	return nil
}

// Close cancels any in-flight generation and stops background watchers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
	o.state.Close()
}

// Events is a push channel of state snapshots, emitted after every visible
// mutation. Only the latest snapshot is retained for slow consumers.
func (o *Orchestrator) Events() <-chan StateSnapshot { return o.events }

// SendMessage runs one full generation turn against the active conversation:
// process attachments, append the user turn, resolve effective settings,
// start the session, and — asynchronously — stream increments, persist the
// result, and derive a title for an untitled conversation.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, attachments ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return o.failDirect(SubsystemStreaming, fmt.Errorf("empty message: %w", domain.ErrValidation))
	}

	conv := o.state.Active()
	if conv == nil {
		return o.failDirect(SubsystemChatState, domain.ErrNoActiveConversation)
	}
	if o.session != nil {
		return o.failDirect(SubsystemStreaming, domain.ErrSessionActive)
	}

	// Attachments are best-effort context: a rejected file is reported but
	// never blocks the send.
	var fragments []FileContext
	if len(attachments) > 0 {
		fragments, _ = o.files.Process(ctx, attachments)
	}

	userMsg := domain.Message{
		Role:        domain.RoleUser,
		Content:     text,
		Attachments: attachmentNames(fragments),
	}
	if err := o.state.AppendMessage(conv.ID, userMsg); err != nil {
		return o.failDirect(SubsystemChatState, err)
	}
	if err := o.state.Persist(ctx, conv.ID); err != nil {
		// Captured by the state manager; generation proceeds on memory state.
		o.logger.Warn("persist before send failed", "conversation", conv.ID, "error", err)
	}

	conv, err := o.state.Get(conv.ID)
	if err != nil {
		return o.failDirect(SubsystemChatState, err)
	}

	resolved := o.settings.ResolveEffective(conv, o.global)
	params := o.settings.BuildBackendParameters(resolved, o.genCfg.ContextLength)

	messages := promptMessages(conv, fragments)

	// The session owns its own lifetime: it must survive the caller's
	// request context and is stopped through Cancel.
	session, err := o.streaming.Start(context.Background(), StartRequest{
		ConversationID: conv.ID,
		Model:          conv.Model,
		Messages:       messages,
		Options:        params,
		Context:        conv.LastContext(),
		Stream:         o.genCfg.Streaming,
	})
	if err != nil {
		return o.failDirect(SubsystemStreaming, err)
	}

	o.session = session
	o.buffers[conv.ID] = &convBuffer{}
	o.publishLocked()

	go o.consume(session)
	return nil
}

// consume drains a session's increments into the per-conversation buffer,
// then lands the terminal result: append the assistant turn (partial text
// included on cancel and error), persist, and title the conversation.
func (o *Orchestrator) consume(session *Session) {
	convID := session.ConversationID()

	for upd := range session.Updates() {
		o.mu.Lock()
		if buf, ok := o.buffers[convID]; ok {
			switch upd.Kind {
			case UpdateThinking:
				buf.thinking.WriteString(upd.Text)
			default:
				buf.content.WriteString(upd.Text)
			}
		}
		o.publishLocked()
		o.mu.Unlock()
	}

	res := session.Result()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if res.Content != "" || res.Thinking != "" {
		msg := domain.Message{
			Role:     domain.RoleAssistant,
			Content:  res.Content,
			Thinking: res.Thinking,
			Context:  res.Context,
		}
		if err := o.state.AppendMessage(convID, msg); err != nil {
			o.logger.Warn("append assistant turn failed", "conversation", convID, "error", err)
		} else if err := o.state.Persist(ctx, convID); err != nil {
			o.logger.Warn("persist after generation failed", "conversation", convID, "error", err)
		}
	}

	if res.Phase == domain.PhaseCompleted {
		o.maybeTitle(ctx, convID)
	}

	o.mu.Lock()
	if res.Phase == domain.PhaseErrored && res.Err != nil {
		state := o.recovery.Classifier().Classify(SubsystemStreaming, res.Err)
		o.lastError = &state
	}
	delete(o.buffers, convID)
	if o.session == session {
		o.session = nil
	}
	o.publishLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) maybeTitle(ctx context.Context, convID string) {
	conv, err := o.state.Get(convID)
	if err != nil || conv.Title != "" {
		return
	}
	title, ok := o.titles.Generate(ctx, conv)
	if !ok || title == "" {
		return
	}
	if err := o.state.UpdateTitle(convID, title); err == nil {
		if err := o.state.Persist(ctx, convID); err != nil {
			o.logger.Warn("persist title failed", "conversation", convID, "error", err)
		}
	}
}

// CancelGeneration cancels the in-flight session, if any. Idempotent.
func (o *Orchestrator) CancelGeneration() {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

// CreateConversation creates a conversation and makes it active. An empty
// model falls back to the first cached backend model.
func (o *Orchestrator) CreateConversation(ctx context.Context, model string) (*domain.Conversation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if model == "" {
		names := o.models.ModelNames()
		if len(names) == 0 {
			return nil, o.failDirect(SubsystemModelManager,
				fmt.Errorf("no models available: %w", domain.ErrInvalidState))
		}
		model = names[0]
	}

	conv := o.state.Create(model, o.genCfg.SystemPrompt)
	if err := o.state.Persist(ctx, conv.ID); err != nil {
		o.logger.Warn("persist new conversation failed", "conversation", conv.ID, "error", err)
	}
	o.publishLocked()
	return conv, nil
}

// SetActiveConversation switches which conversation's buffers are surfaced.
// A session streaming into a different conversation keeps running and lands
// against its own conversation id.
func (o *Orchestrator) SetActiveConversation(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.state.SetActive(id); err != nil {
		return o.failDirect(SubsystemChatState, err)
	}
	o.publishLocked()
	return nil
}

// DeleteConversation removes a conversation. An in-flight session targeting
// it is cancelled. The conversation is removed from state before the session
// is waited on, so no new session can start against the id in between; the
// dying session's terminal append then fails against the missing conversation
// and is logged, not surfaced.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	o.mu.Lock()
	session := o.session
	if err := o.state.Delete(ctx, id); err != nil {
		err = o.failDirect(SubsystemChatState, err)
		o.mu.Unlock()
		return err
	}
	o.settings.Invalidate(id)
	delete(o.buffers, id)
	o.publishLocked()
	o.mu.Unlock()

	if session != nil && session.ConversationID() == id {
		session.Cancel()
		<-session.Done()
	}
	return nil
}

// RefreshModels refreshes the backend model list.
func (o *Orchestrator) RefreshModels(ctx context.Context) error {
	err := o.models.RefreshModels(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		return o.failDirect(SubsystemModelManager, err)
	}
	o.publishLocked()
	return nil
}

// UpdateConversationSettings sets (or clears, with nil) a conversation's
// generation override. Out-of-range values are rejected with every failing
// field enumerated.
func (o *Orchestrator) UpdateConversationSettings(ctx context.Context, id string, settings *domain.GenerationSettings) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if settings != nil {
		if errs := o.settings.ValidationErrors(*settings); len(errs) > 0 {
			return o.failDirect(SubsystemSettings,
				fmt.Errorf("%s: %w", strings.Join(errs, "; "), domain.ErrValidation))
		}
	}
	if err := o.state.UpdateSettings(id, settings); err != nil {
		return o.failDirect(SubsystemChatState, err)
	}
	o.settings.Invalidate(id)
	if err := o.state.Persist(ctx, id); err != nil {
		o.logger.Warn("persist settings override failed", "conversation", id, "error", err)
	}
	o.publishLocked()
	return nil
}

// UpdateGlobalSettings validates and persists new global defaults.
func (o *Orchestrator) UpdateGlobalSettings(ctx context.Context, settings domain.GenerationSettings) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if errs := o.settings.ValidationErrors(settings); len(errs) > 0 {
		return o.failDirect(SubsystemSettings,
			fmt.Errorf("%s: %w", strings.Join(errs, "; "), domain.ErrValidation))
	}
	if err := o.settingsStore.SaveGlobal(ctx, settings); err != nil {
		o.recovery.HandleServiceError(ctx, SubsystemSettings, "save", err, nil)
		return o.failDirect(SubsystemSettings, err)
	}
	o.global = settings
	o.publishLocked()
	return nil
}

// GlobalSettings returns the current global generation defaults.
func (o *Orchestrator) GlobalSettings() domain.GenerationSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.global
}

// ToggleThinking flips visibility of the thinking channel in snapshots.
func (o *Orchestrator) ToggleThinking() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.showThinking = !o.showThinking
	o.publishLocked()
}

// ClearError dismisses the last user-visible error.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = nil
	o.publishLocked()
}

// Snapshot builds the current state view.
func (o *Orchestrator) Snapshot() StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() StateSnapshot {
	active := o.state.Active()

	snap := StateSnapshot{
		ActiveConversation: active,
		Conversations:      o.state.List(),
		Models:             o.models.ModelNames(),
		IsGenerating:       o.session != nil,
		ShowThinking:       o.showThinking,
		LastError:          o.lastError,
		SystemHealth:       o.recovery.SystemHealth(),
	}
	if active != nil {
		if o.session != nil && o.session.ConversationID() == active.ID {
			snap.ActiveGenerating = true
		}
		if buf, ok := o.buffers[active.ID]; ok {
			snap.StreamedText = buf.content.String()
			snap.ThinkingText = buf.thinking.String()
		}
	}
	return snap
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishLocked()
}

// publishLocked emits a snapshot, keeping only the latest for slow readers.
func (o *Orchestrator) publishLocked() {
	snap := o.snapshotLocked()
	select {
	case o.events <- snap:
	default:
		select {
		case <-o.events:
		default:
		}
		select {
		case o.events <- snap:
		default:
		}
	}
}

// failDirect records the failure of a directly-invoked operation as the
// user-visible error state and returns it. Callers must hold o.mu.
func (o *Orchestrator) failDirect(service string, err error) error {
	state := o.recovery.Classifier().Classify(service, err)
	o.lastError = &state
	o.publishLocked()
	return err
}

func attachmentNames(fragments []FileContext) []string {
	if len(fragments) == 0 {
		return nil
	}
	names := make([]string, len(fragments))
	for i, f := range fragments {
		names[i] = f.Name
	}
	return names
}

// promptMessages builds the backend message sequence: the conversation
// history with attached file fragments folded into the final user turn.
func promptMessages(conv *domain.Conversation, fragments []FileContext) []domain.Message {
	messages := make([]domain.Message, len(conv.Messages))
	copy(messages, conv.Messages)

	if len(fragments) == 0 || len(messages) == 0 {
		return messages
	}

	last := &messages[len(messages)-1]
	if last.Role != domain.RoleUser {
		return messages
	}

	var b strings.Builder
	b.WriteString(last.Content)
	for _, f := range fragments {
		b.WriteString("\n\n--- ")
		b.WriteString(f.Name)
		b.WriteString(" ---\n")
		b.WriteString(f.Content)
	}
	last.Content = b.String()
	return messages
}
