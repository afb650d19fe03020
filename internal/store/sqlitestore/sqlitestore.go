// Package sqlitestore is the production DurableStore backed by SQLite.
// Every collection shares one records table keyed (collection, key); index
// lookups use json_extract over the value column.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chefia/possync/internal/store"
	_ "modernc.org/sqlite"
)

const dbFile = "terminal.db"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection  TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       JSON NOT NULL,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
`

// Store implements store.DurableStore over a single SQLite database file.
type Store struct {
	conn   *sql.DB
	locker *writeLocker
	driver string
}

// Open opens (or creates) the store under baseDir/.possync/.
func Open(baseDir string) (*Store, error) {
	return open(baseDir, "sqlite")
}

// open takes the driver name so tests can run on the mattn driver.
func open(baseDir, driver string) (*Store, error) {
	dbPath := filepath.Join(baseDir, ".possync", dbFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	conn, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Busy timeout as fallback protection (matches lock timeout)
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{
		conn:   conn,
		locker: newWriteLocker(filepath.Dir(dbPath)),
		driver: driver,
	}, nil
}

// withWriteLock serializes writes across processes sharing the data dir.
func (s *Store) withWriteLock(fn func() error) error {
	if err := s.locker.acquire(lockTimeout); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	defer s.locker.release()
	return fn()
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT OR REPLACE INTO records (collection, key, value) VALUES (?, ?, ?)
		`, collection, key, string(value))
		if err != nil {
			return fmt.Errorf("%w: put %s/%s: %v", store.ErrStorage, collection, key, err)
		}
		return nil
	})
}

// Get returns the record value, or nil when absent.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `
		SELECT value FROM records WHERE collection = ? AND key = ?
	`, collection, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", store.ErrStorage, collection, key, err)
	}
	return []byte(value), nil
}

// List returns all records in a collection ordered by key.
func (s *Store) List(ctx context.Context, collection string) ([]store.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT key, value FROM records WHERE collection = ? ORDER BY key ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", store.ErrStorage, collection, err)
	}
	defer rows.Close()
	return scanRecords(rows, collection)
}

// ListByIndex filters by a top-level JSON field. want is the JSON encoding
// of the value (e.g. "false", `"abc"`); json_extract yields SQL-native
// values, so compare against json(want)'s extraction of a probe object.
func (s *Store) ListByIndex(ctx context.Context, collection, field, want string) ([]store.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT key, value FROM records
		WHERE collection = ?
		  AND json_extract(value, '$.' || ?) IS json_extract(json_object('v', json(?)), '$.v')
		ORDER BY key ASC
	`, collection, field, want)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s by %s: %v", store.ErrStorage, collection, field, err)
	}
	defer rows.Close()
	return scanRecords(rows, collection)
}

func scanRecords(rows *sql.Rows, collection string) ([]store.Record, error) {
	var records []store.Record
	for rows.Next() {
		var r store.Record
		var value string
		if err := rows.Scan(&r.Key, &value); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", store.ErrStorage, collection, err)
		}
		r.Value = []byte(value)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %v", store.ErrStorage, collection, err)
	}
	return records, nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.ExecContext(ctx, `
			DELETE FROM records WHERE collection = ? AND key = ?
		`, collection, key)
		if err != nil {
			return fmt.Errorf("%w: delete %s/%s: %v", store.ErrStorage, collection, key, err)
		}
		return nil
	})
}

// Clear removes every record in a collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection)
		if err != nil {
			return fmt.Errorf("%w: clear %s: %v", store.ErrStorage, collection, err)
		}
		return nil
	})
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.conn.Close()
}
