package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLite is a durable single-file mirror. Rows keep insertion order via an
// autoincrement sequence so that Range replays entries the way they were
// first written; overwriting a key keeps its original position.
type SQLite struct {
	db     *sql.DB
	path   string
	once   sync.Once
	closed atomic.Bool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. An empty path
// or ":memory:" yields a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

// Path is the database file, or ":memory:".
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM entries WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SetMany writes all items in one transaction.
func (s *SQLite) SetMany(ctx context.Context, items []Item) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.Key, it.Value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Range buffers the rows before calling fn so fn never runs while the single
// connection is held by an open cursor.
func (s *SQLite) Range(ctx context.Context, fn func(string, []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM entries ORDER BY seq")
	if err != nil {
		return err
	}
	var all []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			rows.Close()
			return err
		}
		all = append(all, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, it := range all {
		if err := fn(it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Len(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}

// Sync checkpoints the WAL into the main database file.
func (s *SQLite) Sync(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

func (s *SQLite) Reset(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries")
	return err
}

func (s *SQLite) Close(context.Context) error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}
