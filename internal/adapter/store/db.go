package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	settings_json TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq              INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL DEFAULT '',
	thinking         TEXT NOT NULL DEFAULT '',
	timestamp        INTEGER NOT NULL,
	attachments_json TEXT,
	context_json     TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value_json TEXT NOT NULL
);
`

// Open opens (creating if necessary) the application database and applies
// the schema. The same handle backs both the conversation and settings stores.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc/sqlite serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
