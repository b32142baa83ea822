package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file name used inside a data directory.
const SQLiteFile = "queue.sqlite"

// SQLiteBackend stores queue records in a SQLite table through the pure Go
// modernc.org/sqlite driver.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue %s: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS queue_records (
		id TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Put implements Backend.
func (s *SQLiteBackend) Put(id string, rec []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_records (id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		id, rec, time.Now().UnixNano())
	return err
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM queue_records WHERE id = ?`, id)
	return err
}

// ForEach implements Backend. Rows are read fully before fn runs so fn may
// write through the single connection.
func (s *SQLiteBackend) ForEach(fn func(id string, rec []byte) error) error {
	rows, err := s.db.Query(`SELECT id, record FROM queue_records`)
	if err != nil {
		return err
	}
	type kv struct {
		id  string
		rec []byte
	}
	var all []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.id, &e.rec); err != nil {
			rows.Close()
			return err
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range all {
		if err := fn(e.id, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
