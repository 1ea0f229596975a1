package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// Compile-time interface assertion.
var _ domain.ConversationStore = (*ConversationStore)(nil)

// ConversationStore persists conversations in SQLite. Saves rewrite the
// message sequence wholesale inside one transaction, matching the owner's
// edit semantics.
type ConversationStore struct {
	db      *sql.DB
	logger  *slog.Logger
	changes chan struct{}
}

// NewConversationStore creates a store over an opened database handle.
func NewConversationStore(db *sql.DB, logger *slog.Logger) *ConversationStore {
	return &ConversationStore{
		db:      db,
		logger:  logger,
		changes: make(chan struct{}, 1),
	}
}

// Changes implements domain.ConversationStore. The channel carries at most
// one pending pulse; consumers reload the full list on receipt.
func (s *ConversationStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *ConversationStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Save implements domain.ConversationStore.
func (s *ConversationStore) Save(ctx context.Context, c *domain.Conversation) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("save conversation: %w", domain.ErrValidation)
	}

	var settingsJSON sql.NullString
	if c.Settings != nil {
		b, err := json.Marshal(c.Settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		settingsJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, updated_at, settings_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			updated_at = excluded.updated_at,
			settings_json = excluded.settings_json`,
		c.ID, c.Title, c.Model, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), settingsJSON)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for i, m := range c.Messages {
		attachments, contextBlob, err := marshalMessageBlobs(m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, thinking, timestamp, attachments_json, context_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, c.ID, i, m.Role, m.Content, m.Thinking, m.Timestamp.UnixMilli(), attachments, contextBlob)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.notify()
	return nil
}

func marshalMessageBlobs(m domain.Message) (attachments, contextBlob sql.NullString, err error) {
	if len(m.Attachments) > 0 {
		b, merr := json.Marshal(m.Attachments)
		if merr != nil {
			return attachments, contextBlob, fmt.Errorf("marshal attachments: %w", merr)
		}
		attachments = sql.NullString{String: string(b), Valid: true}
	}
	if len(m.Context) > 0 {
		b, merr := json.Marshal(m.Context)
		if merr != nil {
			return attachments, contextBlob, fmt.Errorf("marshal context: %w", merr)
		}
		contextBlob = sql.NullString{String: string(b), Valid: true}
	}
	return attachments, contextBlob, nil
}

// Load implements domain.ConversationStore. Returns (nil, nil) when the
// conversation does not exist.
func (s *ConversationStore) Load(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at, settings_json
		FROM conversations WHERE id = ?`, id)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadMessages(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List implements domain.ConversationStore. Conversations are ordered most
// recently updated first.
func (s *ConversationStore) List(ctx context.Context) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, created_at, updated_at, settings_json
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for _, c := range out {
		if err := s.loadMessages(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete implements domain.ConversationStore.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.notify()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c            domain.Conversation
		createdAt    int64
		updatedAt    int64
		settingsJSON sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Model, &createdAt, &updatedAt, &settingsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)

	if settingsJSON.Valid {
		// Stored overrides get the same field-by-field repair as globals;
		// one corrupt field must not drop the whole override.
		var raw domain.RawGenerationSettings
		if err := json.Unmarshal([]byte(settingsJSON.String), &raw); err == nil {
			repaired, _ := raw.Repair()
			c.Settings = &repaired
		}
	}
	return &c, nil
}

func (s *ConversationStore) loadMessages(ctx context.Context, c *domain.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, thinking, timestamp, attachments_json, context_json
		FROM messages WHERE conversation_id = ? ORDER BY seq`, c.ID)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	c.Messages = c.Messages[:0]
	for rows.Next() {
		var (
			m           domain.Message
			ts          int64
			attachments sql.NullString
			contextBlob sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Thinking, &ts, &attachments, &contextBlob); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if attachments.Valid {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				s.logger.Warn("dropping corrupt attachments blob", "message", m.ID)
			}
		}
		if contextBlob.Valid {
			if err := json.Unmarshal([]byte(contextBlob.String), &m.Context); err != nil {
				s.logger.Warn("dropping corrupt context blob", "message", m.ID)
			}
		}
		c.Messages = append(c.Messages, m)
	}
	return rows.Err()
}
