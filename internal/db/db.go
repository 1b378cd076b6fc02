package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	return open(path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
}

// NewMemory opens a private in-memory database. A single connection keeps
// every query on the same database.
func NewMemory() (*DB, error) {
	d, err := open(":memory:?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	return d, nil
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationSubscribers,
		migrationTags,
		migrationSequences,
		migrationSequenceEmails,
		migrationSubscriberSequences,
		migrationEmailLog,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationSubscribers = `
CREATE TABLE IF NOT EXISTS subscribers (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE COLLATE NOCASE,
    first_name TEXT NOT NULL DEFAULT '',
    locale TEXT NOT NULL DEFAULT 'en',
    status TEXT NOT NULL DEFAULT 'pending',
    custom_fields JSON,
    created_at TIMESTAMP NOT NULL,
    confirmed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers(status);
`

const migrationTags = `
CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS subscriber_tags (
    subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (subscriber_id, tag_id)
);
`

const migrationSequences = `
CREATE TABLE IF NOT EXISTS sequences (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    locale TEXT NOT NULL DEFAULT 'en',
    status TEXT NOT NULL DEFAULT 'draft',
    trigger_tag TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sequences_kind ON sequences(kind, locale, status);
`

const migrationSequenceEmails = `
CREATE TABLE IF NOT EXISTS sequence_emails (
    id TEXT PRIMARY KEY,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    position INTEGER NOT NULL CHECK (position >= 1),
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    subject_am TEXT NOT NULL DEFAULT '',
    body_am TEXT NOT NULL DEFAULT '',
    subject_en TEXT NOT NULL DEFAULT '',
    body_en TEXT NOT NULL DEFAULT '',
    delay_days INTEGER NOT NULL DEFAULT 0 CHECK (delay_days >= 0),
    delay_hours INTEGER NOT NULL DEFAULT 0 CHECK (delay_hours >= 0),
    conditions JSON,
    attachments JSON,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(sequence_id, position)
);
`

const migrationSubscriberSequences = `
CREATE TABLE IF NOT EXISTS subscriber_sequences (
    id TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'active',
    current_step INTEGER NOT NULL DEFAULT 0,
    next_email_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    claimed_at TIMESTAMP,
    UNIQUE(subscriber_id, sequence_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriber_sequences_due ON subscriber_sequences(status, next_email_at);
`

const migrationEmailLog = `
CREATE TABLE IF NOT EXISTS email_log (
    id TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    sequence_id TEXT REFERENCES sequences(id) ON DELETE SET NULL,
    email_type TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    sent_at TIMESTAMP,
    opened_at TIMESTAMP,
    clicked_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_email_log_reference ON email_log(email_type, reference_id);
CREATE INDEX IF NOT EXISTS idx_email_log_subscriber ON email_log(subscriber_id, reference_id);
CREATE INDEX IF NOT EXISTS idx_email_log_status ON email_log(status, created_at);
`
