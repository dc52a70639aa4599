// Package kvstore provides the device's persistent key-value storage:
// a namespaced store for small values that must survive restarts (the
// generated MQTT client ID, the boot counter, the last acquired
// address). It is not meant for telemetry; nothing published is kept.
//
// The on-disk format carries a schema version. A file written by a
// newer build, or one that is not a database at all, is reported as
// [ErrIncompatible]; [OpenOrReset] erases such a file and starts over,
// which is the only automatic recovery. Any other open failure is
// fatal to the caller.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// schemaVersion is stored in SQLite's user_version pragma.
const schemaVersion = 1

// ErrIncompatible reports a storage file this build cannot use.
var ErrIncompatible = errors.New("kvstore: incompatible storage")

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the store at path, creating the schema on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenOrReset opens the store at path. If the existing file is
// incompatible it is erased and a fresh store is created in its place.
func OpenOrReset(path string, logger *slog.Logger) (*Store, error) {
	s, err := Open(path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrIncompatible) {
		return nil, err
	}

	if logger != nil {
		logger.Warn("persistent storage incompatible, erasing", "path", path, "error", err)
	}
	if err := Erase(path); err != nil {
		return nil, err
	}
	return Open(path)
}

// Erase removes the store file and its SQLite sidecar files. Missing
// files are not an error.
func Erase(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("erase %s: %w", p, err)
		}
	}
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		if isNotADatabase(err) {
			return fmt.Errorf("%w: %v", ErrIncompatible, err)
		}
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrIncompatible, version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		if isNotADatabase(err) {
			return fmt.Errorf("%w: %v", ErrIncompatible, err)
		}
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// isNotADatabase matches SQLITE_NOTADB from either driver; neither
// exposes a shared error type.
func isNotADatabase(err error) bool {
	return strings.Contains(err.Error(), "file is not a database")
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Increment adds one to an integer value (missing counts as zero) and
// returns the new value.
func (s *Store) Increment(namespace, key string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(
		`SELECT CAST(value AS INTEGER) FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}

	next := current + 1
	_, err = tx.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, fmt.Sprint(next), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}
	return next, nil
}

// Namespaces returns every namespace holding at least one key, sorted.
func (s *Store) Namespaces() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT namespace FROM kv ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// List returns all key/value pairs for a namespace. Returns an empty
// (non-nil) map if the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM kv WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
