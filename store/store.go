// Package store is the data access layer for the connector's canonical
// tables and per-source checkpoints.
//
// Upserts are keyed on the upstream external id and merge rather than
// replace: fields absent from the incoming record leave the stored value
// untouched. Deletion is a soft flag flip; rows are never physically removed
// by this layer.
package store

import (
	"context"
	"database/sql"

	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
)

// Schema creates every canonical table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	project_id     TEXT,
	title          TEXT,
	description    TEXT,
	status         TEXT,
	tag_ids        TEXT,  -- JSON array
	tag_names      TEXT,  -- JSON array
	assignee_ids   TEXT,  -- JSON array
	assignee_names TEXT,  -- JSON array
	creator_id     TEXT,
	creator_name   TEXT,
	updater_id     TEXT,
	updater_name   TEXT,
	due_at         INTEGER,
	created_at     INTEGER,
	updated_at     INTEGER,
	deleted        INTEGER NOT NULL DEFAULT 0,
	deleted_at     INTEGER
);

CREATE TABLE IF NOT EXISTS emails (
	email_id         TEXT PRIMARY KEY,
	thread_id        TEXT,
	subject          TEXT,
	from_address     TEXT,
	to_addresses     TEXT,  -- JSON array
	cc_addresses     TEXT,  -- JSON array
	bcc_addresses    TEXT,  -- JSON array
	body_text        TEXT,
	body_html        TEXT,
	sent_at          INTEGER,
	received_at      INTEGER,
	labels           TEXT,  -- JSON array
	label_categories TEXT,  -- JSON object: category -> matched labels
	deleted          INTEGER NOT NULL DEFAULT 0,
	deleted_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails (thread_id);

CREATE TABLE IF NOT EXISTS email_attachments (
	email_id     TEXT NOT NULL,
	filename     TEXT NOT NULL,
	content_type TEXT,
	byte_size    INTEGER,
	source_url   TEXT,
	PRIMARY KEY (email_id, filename),
	FOREIGN KEY (email_id) REFERENCES emails(email_id)
);

CREATE TABLE IF NOT EXISTS documents (
	doc_id     TEXT PRIMARY KEY,
	title      TEXT,
	content    TEXT,  -- markdown
	created_at INTEGER,
	updated_at INTEGER,
	deleted    INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER
);

CREATE TABLE IF NOT EXISTS checkpoints (
	source          TEXT PRIMARY KEY,
	last_event_time INTEGER NOT NULL,
	last_cursor     TEXT
);
`

// Store wraps the connector database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Init creates the canonical tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, Schema)
	return err
}

// Ping reports store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Apply writes a batch in its own transaction. The dispatcher prefers
// ApplyTx so the write and the envelope retirement commit together.
func (s *Store) Apply(ctx context.Context, b *Batch) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return s.ApplyTx(ctx, tx, b)
	})
}

// ApplyTx writes a batch inside the caller's transaction.
func (s *Store) ApplyTx(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b == nil {
		return nil
	}
	for _, t := range b.Tasks {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, e := range b.Emails {
		if err := upsertEmail(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, d := range b.Docs {
		if err := upsertDocument(ctx, tx, d); err != nil {
			return err
		}
	}
	for _, threadID := range b.DeletedThreads {
		if err := markThreadDeleted(ctx, tx, threadID); err != nil {
			return err
		}
	}
	return nil
}
