// Package registry is the persistent record of known runtime environments:
// spec -> status -> filesystem path. It is the single source of truth for
// provisioning state and the daemon's only durable state.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"visiond/pkg/types"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	spec_key          TEXT PRIMARY KEY,
	spec_json         TEXT NOT NULL,
	status            TEXT NOT NULL,
	root              TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	last_verified_at  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_environments_status ON environments(status);
`

// Record is one environment row. Owned exclusively by the registry; callers
// receive copies.
type Record struct {
	Key            string
	Spec           types.EnvironmentSpec
	Status         types.EnvStatus
	Root           string
	LastError      string
	CreatedAt      time.Time
	LastVerifiedAt time.Time
}

// Store is the sqlite-backed environment index. Safe for concurrent use;
// per-spec-key exclusivity is the provisioner's job, the store only
// guarantees that single upserts are atomic.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the registry database and ensures the schema is
// at the current version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	ver, err := currentSchemaVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}
	if ver < schemaVersion {
		if err := migrateSchema(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func currentSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_meta'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var ver int
	err = db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&ver)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ver, err
}

func migrateSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaV1); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM schema_meta`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion)
	return err
}

// Get returns the record for a spec key, or (nil, nil) when absent.
func (s *Store) Get(key string) (*Record, error) {
	row := s.db.QueryRow(`SELECT spec_key, spec_json, status, root, last_error, created_at, last_verified_at
		FROM environments WHERE spec_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return rec, nil
}

// Upsert writes the record, replacing any previous row for its key.
func (s *Store) Upsert(rec Record) error {
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO environments
		(spec_key, spec_json, status, root, last_error, created_at, last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(spec_key) DO UPDATE SET
			spec_json = excluded.spec_json,
			status = excluded.status,
			root = excluded.root,
			last_error = excluded.last_error,
			last_verified_at = excluded.last_verified_at`,
		rec.Key, string(specJSON), string(rec.Status), rec.Root, rec.LastError,
		rec.CreatedAt.Unix(), rec.LastVerifiedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert environment: %w", err)
	}
	return nil
}

// Touch updates the last-verified timestamp of an existing record.
func (s *Store) Touch(key string, verifiedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE environments SET last_verified_at = ? WHERE spec_key = ?`,
		verifiedAt.Unix(), key)
	if err != nil {
		return fmt.Errorf("touch environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch environment: unknown spec key %s", key)
	}
	return nil
}

// List returns all records ordered by creation time.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT spec_key, spec_json, status, root, last_error, created_at, last_verified_at
		FROM environments ORDER BY created_at, spec_key`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM environments WHERE spec_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		specJSON  string
		status    string
		createdAt int64
		verified  int64
	)
	if err := row.Scan(&rec.Key, &specJSON, &status, &rec.Root, &rec.LastError, &createdAt, &verified); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &rec.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	rec.Status = types.EnvStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	if verified > 0 {
		rec.LastVerifiedAt = time.Unix(verified, 0)
	}
	return &rec, nil
}
