package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding the locally owned state: the
// session cache, batch jobs, advisory locks, and automation settings.
//
// Writer is limited to a single connection so concurrent workers serialize
// on writes; Reader is a pooled handle for queries.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB

	// now is the clock used for lock expiry and cache timestamps.
	// Overridden in tests.
	now func() time.Time
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open db reader: %w", err)
	}

	s := &Store{Writer: writer, Reader: reader, now: time.Now}
	if err := s.createSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	rerr := s.Reader.Close()
	werr := s.Writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
