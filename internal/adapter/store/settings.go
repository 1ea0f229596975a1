package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// Compile-time interface assertion.
var _ domain.SettingsStore = (*SettingsStore)(nil)

const settingsKey = "generation"

// SettingsStore persists the global generation settings as a single row.
type SettingsStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSettingsStore creates a settings store over an opened database handle.
func NewSettingsStore(db *sql.DB, logger *slog.Logger) *SettingsStore {
	return &SettingsStore{db: db, logger: logger}
}

// LoadGlobal implements domain.SettingsStore. A missing row yields the
// defaults; a partially-invalid stored structure is repaired field-by-field
// so one corrupt field never invalidates the rest.
func (s *SettingsStore) LoadGlobal(ctx context.Context) (domain.GenerationSettings, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM settings WHERE key = ?`, settingsKey).Scan(&valueJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultGenerationSettings(), nil
	}
	if err != nil {
		return domain.GenerationSettings{}, fmt.Errorf("load settings: %w", err)
	}

	var raw domain.RawGenerationSettings
	if err := json.Unmarshal([]byte(valueJSON), &raw); err != nil {
		s.logger.Warn("stored settings unreadable, using defaults", "error", err)
		return domain.DefaultGenerationSettings(), nil
	}

	repaired, fields := raw.Repair()
	if len(fields) > 0 {
		s.logger.Warn("repaired stored settings fields", "fields", fields)
	}
	return repaired, nil
}

// SaveGlobal implements domain.SettingsStore.
func (s *SettingsStore) SaveGlobal(ctx context.Context, settings domain.GenerationSettings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json`,
		settingsKey, string(b))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
