// Package store keeps the local outbox of failed sends in SQLite so retry and
// discard keep working after a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatpipe/internal/message"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// Schema for the chatpipe outbox.
const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    id                  TEXT PRIMARY KEY,
    conversation_id     TEXT NOT NULL,
    sender_id           TEXT NOT NULL,
    kind                TEXT NOT NULL,
    content             TEXT NOT NULL DEFAULT '',
    local_uri           TEXT NOT NULL DEFAULT '',
    audio_duration      INTEGER NOT NULL DEFAULT 0,
    client_key          TEXT NOT NULL DEFAULT '',
    created_at_ns       INTEGER NOT NULL,
    error_detail        TEXT NOT NULL DEFAULT '',
    saved_at_ns         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_conversation ON outbox(conversation_id, created_at_ns);
`

var ErrSchemaTooNew = errors.New("store: outbox schema is newer than this binary")

// Outbox is the SQLite-backed failed-send journal.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the outbox database at path.
func Open(path string) (*Outbox, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Outbox{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, version, schemaVersion)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (o *Outbox) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// SaveFailed records or replaces a failed message.
func (o *Outbox) SaveFailed(ctx context.Context, m message.Message) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (id, conversation_id, sender_id, kind, content, local_uri, audio_duration, client_key, created_at_ns, error_detail, saved_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			error_detail = excluded.error_detail,
			local_uri = excluded.local_uri,
			saved_at_ns = excluded.saved_at_ns`,
		m.ID, m.ConversationID, m.SenderID, string(m.Kind), m.Content, m.LocalURI,
		m.AudioDuration, m.ClientKey, m.CreatedAt.UnixNano(), m.ErrorDetail, o.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save failed message: %w", err)
	}
	return nil
}

// Remove deletes a message from the outbox. Removing an unknown id is not an error.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove message: %w", err)
	}
	return nil
}

// ListFailed returns the failed messages of a conversation ordered by creation time.
func (o *Outbox) ListFailed(ctx context.Context, conversationID string) ([]message.Message, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, content, local_uri, audio_duration, client_key, created_at_ns, error_detail
		FROM outbox WHERE conversation_id = ?
		ORDER BY created_at_ns, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list failed messages: %w", err)
	}
	return scanMessages(rows)
}

// ListAll returns every message in the outbox.
func (o *Outbox) ListAll(ctx context.Context) ([]message.Message, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, content, local_uri, audio_duration, client_key, created_at_ns, error_detail
		FROM outbox ORDER BY conversation_id, created_at_ns, id`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return scanMessages(rows)
}

// Count returns the number of messages in the outbox.
func (o *Outbox) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var (
			m         message.Message
			kind      string
			createdNs int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind, &m.Content, &m.LocalURI,
			&m.AudioDuration, &m.ClientKey, &createdNs, &m.ErrorDetail); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.Kind = message.Kind(kind)
		m.CreatedAt = time.Unix(0, createdNs).UTC()
		m.Status = message.StatusFailed
		out = append(out, m)
	}
	return out, rows.Err()
}
