package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// Store mirrors dead-letter entries durably. The in-memory queue remains the
// scheduling authority; the store survives restarts.
type Store interface {
	// Put inserts or updates an entry.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error

	// Load returns all non-terminal entries for rebuilding the retry index.
	Load(ctx context.Context) ([]*Entry, error)
}

var sqliteMigrations = []store.Migration{
	{
		Version: "0001",
		Name:    "create_dlq_entries",
		SQL: `
CREATE TABLE IF NOT EXISTS dlq_entries (
	id TEXT PRIMARY KEY,
	original_event_id TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data BLOB NOT NULL,
	error_message TEXT NOT NULL,
	error_details TEXT,
	retry_count INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_retry_at TEXT,
	next_retry_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dlq_entries(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_dlq_status ON dlq_entries(status);
`,
	},
}

// SQLiteStore persists dead-letter entries to SQLite. It may share a
// database with the event store; the migration set is independent.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the DLQ table set on the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := store.ApplyMigrations(db, sqliteMigrations); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	details, err := json.Marshal(entry.ErrorDetails)
	if err != nil {
		return eperrors.Serialization("dlq: encode details", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (id, original_event_id, aggregate_id, aggregate_type,
			event_type, event_data, error_message, error_details, retry_count,
			max_retries, status, created_at, last_retry_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			error_message = excluded.error_message,
			error_details = excluded.error_details,
			retry_count = excluded.retry_count,
			status = excluded.status,
			last_retry_at = excluded.last_retry_at,
			next_retry_at = excluded.next_retry_at`,
		entry.ID, entry.OriginalEventID, entry.AggregateID, entry.AggregateType,
		entry.EventType, []byte(entry.EventData), entry.ErrorMessage, string(details),
		entry.RetryCount, entry.MaxRetries, string(entry.Status),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(entry.LastRetryAt), formatNullableTime(entry.NextRetryAt))
	if err != nil {
		return eperrors.Database("dlq: put entry", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE id = ?`, id); err != nil {
		return eperrors.Database("dlq: delete entry", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_event_id, aggregate_id, aggregate_type, event_type,
			event_data, error_message, error_details, retry_count, max_retries,
			status, created_at, last_retry_at, next_retry_at
		FROM dlq_entries
		WHERE status IN (?, ?)
		ORDER BY next_retry_at`,
		string(StatusFailed), string(StatusRetrying))
	if err != nil {
		return nil, eperrors.Database("dlq: load entries", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var data []byte
		var details sql.NullString
		var status, createdAt string
		var lastRetryAt, nextRetryAt sql.NullString

		if err := rows.Scan(&entry.ID, &entry.OriginalEventID, &entry.AggregateID,
			&entry.AggregateType, &entry.EventType, &data, &entry.ErrorMessage,
			&details, &entry.RetryCount, &entry.MaxRetries, &status, &createdAt,
			&lastRetryAt, &nextRetryAt); err != nil {
			return nil, eperrors.Database("dlq: scan entry", err)
		}
		entry.EventData = data
		entry.Status = Status(status)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entry.LastRetryAt = parseNullableTime(lastRetryAt)
		entry.NextRetryAt = parseNullableTime(nextRetryAt)
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &entry.ErrorDetails); err != nil {
				return nil, eperrors.Serialization("dlq: decode details", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, eperrors.Database("dlq: iterate entries", err)
	}
	return entries, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
