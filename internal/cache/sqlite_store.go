package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps every generation in a single SQLite table. Writes are
// serialized through writeMutex; reads go straight to the pool.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at filename.
// If filename is empty, a shared in-memory database is used.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	} else if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			payload BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"CREATE INDEX IF NOT EXISTS generation_idx ON entries (generation)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, generation string, id Identity) (*StoredResponse, bool, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, false, err
	}
	if !id.Cacheable() {
		return nil, false, nil
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM entries WHERE generation = ? AND key = ?",
		generation, id.Key(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	resp, err := decodeEntry(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", generation, id.Key(), err)
	}
	return resp, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, generation string, id Identity, resp *StoredResponse) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	payload, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (generation, key, stored_at, payload) VALUES (?, ?, ?, ?)",
		generation, id.Key(), resp.StoredAt.Unix(), payload,
	)
	return err
}

func (s *SQLiteStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	if err := validateGeneration(name); err != nil {
		return false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT generation FROM entries ORDER BY generation")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
