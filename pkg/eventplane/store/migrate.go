package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// Migration is one versioned schema change. The content hash of SQL is
// recorded at apply time; re-applying a migration whose stored hash differs
// is forbidden.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Checksum returns the hex digest of the migration content.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

// MigrationStatus describes a migration relative to the database.
type MigrationStatus int

const (
	// MigrationApplied means the migration ran and its hash matches.
	MigrationApplied MigrationStatus = iota

	// MigrationPending means the migration has not been applied yet.
	MigrationPending

	// MigrationModified means the migration content changed after it was
	// applied. The schema can no longer be trusted to match the source.
	MigrationModified
)

// String returns the status name.
func (s MigrationStatus) String() string {
	switch s {
	case MigrationApplied:
		return "applied"
	case MigrationPending:
		return "pending"
	case MigrationModified:
		return "modified"
	default:
		return "unknown"
	}
}

// MigrationResult reports the status of one migration.
type MigrationResult struct {
	Version string
	Name    string
	Status  MigrationStatus
}

const migrationTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// ApplyMigrations runs pending migrations in version order. A stored hash
// that differs from the migration content aborts with a configuration error
// before anything executes.
func ApplyMigrations(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(migrationTableSQL); err != nil {
		return eperrors.Database("migrate", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	applied, err := appliedChecksums(db)
	if err != nil {
		return err
	}

	// Validate every hash before executing anything.
	for _, m := range sorted {
		if stored, ok := applied[m.Version]; ok && stored != m.Checksum() {
			return eperrors.Configuration("migrate",
				fmt.Sprintf("migration %s (%s) was modified after being applied", m.Version, m.Name))
		}
	}

	for _, m := range sorted {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return eperrors.Database("migrate", err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return eperrors.Database("migrate "+m.Version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, m.Checksum(), time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return eperrors.Database("record migration "+m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return eperrors.Database("migrate", err)
		}
	}
	return nil
}

// ValidateMigrations compares the given migrations to what the database has
// applied, without executing anything.
func ValidateMigrations(db *sql.DB, migrations []Migration) ([]MigrationResult, error) {
	if _, err := db.Exec(migrationTableSQL); err != nil {
		return nil, eperrors.Database("migrate", err)
	}
	applied, err := appliedChecksums(db)
	if err != nil {
		return nil, err
	}

	results := make([]MigrationResult, 0, len(migrations))
	for _, m := range migrations {
		r := MigrationResult{Version: m.Version, Name: m.Name, Status: MigrationPending}
		if stored, ok := applied[m.Version]; ok {
			if stored == m.Checksum() {
				r.Status = MigrationApplied
			} else {
				r.Status = MigrationModified
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func appliedChecksums(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, eperrors.Database("read schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, eperrors.Database("scan schema_migrations", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, eperrors.Database("iterate schema_migrations", err)
	}
	return applied, nil
}
