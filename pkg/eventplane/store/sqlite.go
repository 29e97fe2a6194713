package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

var sqliteMigrations = []Migration{
	{
		Version: "0001",
		Name:    "create_events",
		SQL: `
CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	event_data BLOB NOT NULL,
	metadata TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	causation_id TEXT,
	correlation_id TEXT,
	checksum TEXT,
	tenant_id TEXT NOT NULL DEFAULT '',
	UNIQUE (tenant_id, aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id, aggregate_version);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_type ON events(aggregate_type);
`,
	},
	{
		Version: "0002",
		Name:    "create_snapshots",
		SQL: `
CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	state BLOB NOT NULL,
	recorded_at TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, aggregate_id, aggregate_version)
);
`,
	},
}

const eventColumns = `global_position, event_id, aggregate_id, aggregate_type, event_type,
	aggregate_version, event_data, metadata, occurred_at, recorded_at,
	schema_version, causation_id, correlation_id, checksum`

// SQLiteStore persists events to SQLite. It is suitable for single-process
// production use; the same schema maps directly onto server databases.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// tenant scopes every operation when non-empty. See Scoped.
	tenant string
}

// SQLiteOption configures the store.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = logger }
}

// NewSQLiteStore opens (or creates) the event store at path. Use ":memory:"
// for testing.
//
// The database file is created with restrictive permissions (0600) because
// event payloads may contain sensitive state.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	// Create the file before sql.Open touches it so it is never briefly
	// world-readable.
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); createErr == nil {
				f.Close()
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eperrors.Database("open event store", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, eperrors.Database("enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, eperrors.Database("set busy timeout", err)
	}

	if err := ApplyMigrations(db, sqliteMigrations); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			s.logger.Warn("failed to set restrictive permissions on event store file",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
	return s, nil
}

// DB exposes the underlying handle for the tenant adapter and migrations
// tooling. Do not use it for event access.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Scoped returns a view of the store bound to a tenant. All reads filter by
// tenant and all appends stamp it, inside the same transaction that performs
// the work.
func (s *SQLiteStore) Scoped(tenantID string) EventStore {
	scoped := *s
	scoped.tenant = tenantID
	return &scoped
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// AppendEvent implements EventStore.
func (s *SQLiteStore) AppendEvent(ctx context.Context, env *eventplane.Envelope) error {
	return s.AppendEvents(ctx, []*eventplane.Envelope{env})
}

// AppendEvents implements EventStore. The whole batch commits in one
// transaction: an optimistic max-version check per aggregate, the inserts
// with derived positions, then commit.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []*eventplane.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	if err := validateBatch(events); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eperrors.Database("append: begin", err)
	}
	defer tx.Rollback()

	// Optimistic check: the first event of each aggregate must continue the
	// stored version sequence.
	firstVersion := make(map[string]int64)
	for _, env := range events {
		if _, ok := firstVersion[env.AggregateID]; !ok {
			firstVersion[env.AggregateID] = env.AggregateVersion
		}
	}
	for aggregateID, version := range firstVersion {
		var current int64
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`+s.tenantAnd(),
			s.tenantArgs(aggregateID)...)
		if err := row.Scan(&current); err != nil {
			return eperrors.Database("append: version check", err)
		}
		if version != current+1 {
			return eperrors.Concurrency("append",
				fmt.Sprintf("aggregate %s: expected version %d, got %d", aggregateID, current+1, version))
		}
	}

	now := time.Now().UTC()
	for _, env := range events {
		metadata, err := json.Marshal(env.Metadata)
		if err != nil {
			return eperrors.Serialization("append: encode metadata", err)
		}
		env.RecordedAt = now

		correlationID := env.CorrelationID
		if correlationID == "" {
			correlationID = env.Metadata.CorrelationID
		}
		causationID := env.CausationID
		if causationID == "" {
			causationID = env.Metadata.CausationID
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type,
				aggregate_version, event_data, metadata, occurred_at, recorded_at,
				schema_version, causation_id, correlation_id, checksum, tenant_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			env.EventID, env.AggregateID, env.AggregateType, env.EventType,
			env.AggregateVersion, []byte(env.EventData), string(metadata),
			env.OccurredAt.UTC().Format(time.RFC3339Nano),
			env.RecordedAt.Format(time.RFC3339Nano),
			env.SchemaVersion, causationID, correlationID, env.Checksum, s.tenant)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return eperrors.Concurrency("append",
					fmt.Sprintf("aggregate %s version %d already exists", env.AggregateID, env.AggregateVersion))
			}
			return eperrors.Database("append: insert", err)
		}
		position, err := res.LastInsertId()
		if err != nil {
			return eperrors.Database("append: position", err)
		}
		env.GlobalPosition = position
	}

	if err := tx.Commit(); err != nil {
		return eperrors.Database("append: commit", err)
	}
	return nil
}

// validateBatch checks that each aggregate's events form one contiguous
// ascending version range.
func validateBatch(events []*eventplane.Envelope) error {
	last := make(map[string]int64)
	for _, env := range events {
		if env.AggregateVersion < 1 {
			return eperrors.InvalidVersion("append", 1, env.AggregateVersion)
		}
		if prev, ok := last[env.AggregateID]; ok && env.AggregateVersion != prev+1 {
			return eperrors.InvalidVersion("append", prev+1, env.AggregateVersion)
		}
		last[env.AggregateID] = env.AggregateVersion
	}
	return nil
}

// tenantAnd returns the tenant filter clause for queries already containing
// a WHERE.
func (s *SQLiteStore) tenantAnd() string {
	if s.tenant == "" {
		return " AND tenant_id = ''"
	}
	return " AND tenant_id = ?"
}

func (s *SQLiteStore) tenantArgs(args ...any) []any {
	if s.tenant == "" {
		return args
	}
	return append(args, s.tenant)
}

// GetEvents implements EventStore.
func (s *SQLiteStore) GetEvents(ctx context.Context, aggregateID string) ([]*eventplane.Envelope, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ?`+s.tenantAnd()+
			` ORDER BY aggregate_version`,
		s.tenantArgs(aggregateID)...)
}

// GetEventsFromVersion implements EventStore.
func (s *SQLiteStore) GetEventsFromVersion(ctx context.Context, aggregateID string, from int64) ([]*eventplane.Envelope, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND aggregate_version >= ?`+
			s.tenantAnd()+` ORDER BY aggregate_version`,
		s.tenantArgs(aggregateID, from)...)
}

// GetEventsForAggregates implements EventStore.
func (s *SQLiteStore) GetEventsForAggregates(ctx context.Context, aggregateIDs []string) ([]*eventplane.Envelope, error) {
	if len(aggregateIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(aggregateIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(aggregateIDs)+1)
	for _, id := range aggregateIDs {
		args = append(args, id)
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id IN (`+placeholders+`)`+
			s.tenantAnd()+` ORDER BY aggregate_id, aggregate_version`,
		s.tenantArgs(args...)...)
}

// GetEventsByType implements EventStore.
func (s *SQLiteStore) GetEventsByType(ctx context.Context, eventType string, from, to *time.Time, limit int) ([]*eventplane.Envelope, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_type = ?` + s.tenantAnd()
	args := s.tenantArgs(eventType)
	if from != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, from.UTC().Format(time.RFC3339Nano))
	}
	if to != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY global_position`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// GetEventsByCorrelationID implements EventStore.
func (s *SQLiteStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*eventplane.Envelope, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = ?`+s.tenantAnd()+
			` ORDER BY global_position`,
		s.tenantArgs(correlationID)...)
}

// GetEventsFromPosition implements EventStore.
func (s *SQLiteStore) GetEventsFromPosition(ctx context.Context, pos int64, limit int) ([]*eventplane.Envelope, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE global_position > ?` +
		s.tenantAnd() + ` ORDER BY global_position`
	args := s.tenantArgs(pos)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// GetCurrentPosition implements EventStore.
func (s *SQLiteStore) GetCurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events WHERE 1=1`+s.tenantAnd(),
		s.tenantArgs()...)
	if err := row.Scan(&pos); err != nil {
		return 0, eperrors.Database("current position", err)
	}
	return pos, nil
}

// ReplayEvents implements EventStore.
func (s *SQLiteStore) ReplayEvents(ctx context.Context, fromPos int64, eventTypes []string, batchSize int, fn ReplayFunc) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	typeFilter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeFilter[t] = true
	}

	pos := fromPos
	for {
		if err := ctx.Err(); err != nil {
			return eperrors.Cancelled("replay", err)
		}
		batch, err := s.GetEventsFromPosition(ctx, pos, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		pos = batch[len(batch)-1].GlobalPosition

		if len(typeFilter) > 0 {
			filtered := batch[:0]
			for _, env := range batch {
				if typeFilter[env.EventType] {
					filtered = append(filtered, env)
				}
			}
			batch = filtered
		}
		if len(batch) == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// SaveSnapshot implements EventStore.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_version, state, recorded_at, tenant_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, aggregate_id, aggregate_version) DO UPDATE SET
			state = excluded.state,
			recorded_at = excluded.recorded_at`,
		snap.AggregateID, snap.AggregateVersion, []byte(snap.State),
		recordedAt.UTC().Format(time.RFC3339Nano), s.tenant)
	if err != nil {
		return eperrors.Database("save snapshot", err)
	}
	return nil
}

// GetSnapshot implements EventStore.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_version, state, recorded_at
		FROM snapshots WHERE aggregate_id = ?`+s.tenantAnd()+`
		ORDER BY aggregate_version DESC LIMIT 1`,
		s.tenantArgs(aggregateID)...)

	var snap Snapshot
	var recordedAt string
	err := row.Scan(&snap.AggregateID, &snap.AggregateVersion, (*[]byte)(&snap.State), &recordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eperrors.Database("get snapshot", err)
	}
	snap.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return &snap, nil
}

// CleanupOldSnapshots implements EventStore.
func (s *SQLiteStore) CleanupOldSnapshots(ctx context.Context, keepLatest int) (int, error) {
	if keepLatest < 1 {
		keepLatest = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE rowid NOT IN (
			SELECT s2.rowid FROM snapshots s2
			WHERE s2.aggregate_id = snapshots.aggregate_id
			  AND s2.tenant_id = snapshots.tenant_id
			ORDER BY s2.aggregate_version DESC LIMIT ?
		)`, keepLatest)
	if err != nil {
		return 0, eperrors.Database("cleanup snapshots", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AggregateExists implements EventStore.
func (s *SQLiteStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	var one int
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE aggregate_id = ?`+s.tenantAnd()+` LIMIT 1`,
		s.tenantArgs(aggregateID)...)
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eperrors.Database("aggregate exists", err)
	}
	return true, nil
}

// GetAggregateVersion implements EventStore.
func (s *SQLiteStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`+s.tenantAnd(),
		s.tenantArgs(aggregateID)...)
	if err := row.Scan(&version); err != nil {
		return 0, eperrors.Database("aggregate version", err)
	}
	return version, nil
}

// GetAggregateIDsByType implements EventStore.
func (s *SQLiteStore) GetAggregateIDsByType(ctx context.Context, aggregateType string, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type = ?`+s.tenantAnd()+
			` ORDER BY aggregate_id LIMIT ? OFFSET ?`,
		append(s.tenantArgs(aggregateType), limit, offset)...)
	if err != nil {
		return nil, eperrors.Database("aggregates by type", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eperrors.Database("scan aggregate id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eperrors.Database("iterate aggregate ids", err)
	}
	return ids, nil
}

// OptimizeStorage implements EventStore.
func (s *SQLiteStore) OptimizeStorage(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return eperrors.Database("analyze", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return eperrors.Database("wal checkpoint", err)
	}
	return nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*eventplane.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eperrors.Database("query events", err)
	}
	defer rows.Close()

	var events []*eventplane.Envelope
	for rows.Next() {
		env, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, eperrors.Database("iterate events", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*eventplane.Envelope, error) {
	var env eventplane.Envelope
	var data []byte
	var metadata, occurredAt, recordedAt string
	var causationID, correlationID, checksum sql.NullString

	err := rows.Scan(&env.GlobalPosition, &env.EventID, &env.AggregateID,
		&env.AggregateType, &env.EventType, &env.AggregateVersion, &data,
		&metadata, &occurredAt, &recordedAt, &env.SchemaVersion,
		&causationID, &correlationID, &checksum)
	if err != nil {
		return nil, eperrors.Database("scan event", err)
	}

	env.EventData = data
	if err := json.Unmarshal([]byte(metadata), &env.Metadata); err != nil {
		return nil, eperrors.Serialization("decode metadata", err)
	}
	env.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
	env.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	env.CausationID = causationID.String
	env.CorrelationID = correlationID.String
	env.Checksum = checksum.String

	// Readers re-derive the digest so tampering never goes unnoticed.
	if !env.VerifyChecksum() {
		return nil, eperrors.New(eperrors.KindSerialization, "read event",
			fmt.Sprintf("checksum mismatch for event %s", env.EventID))
	}
	return &env, nil
}

// Compile-time checks.
var (
	_ EventStore   = (*SQLiteStore)(nil)
	_ TenantScoper = (*SQLiteStore)(nil)
)
