package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	entrycodec "github.com/offcache/offcache/pkg/entry-codec"
)

// SQLiteStore is a durable Store backed by a SQLite database.
// Entries are stored as HTTP/1.1 wire bytes, one row per (partition, key).
type SQLiteStore struct {
	db *sql.DB
	// SQLite allows only one writer at a time
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (and if needed creates) the cache database.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteStore(filename string) SQLiteStore {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			panic(err)
		}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		partition TEXT NOT NULL,
		key TEXT NOT NULL,
		inserted_at INTEGER NOT NULL,
		bytes BLOB NOT NULL,
		PRIMARY KEY (partition, key))`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS inserted_at_idx ON cache_entries (inserted_at)")
	if err != nil {
		panic(err)
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteStore) Get(ctx context.Context, partition, key string) (Entry, bool, error) {
	var bts []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM cache_entries WHERE partition = ? AND key = ?",
		partition, key).Scan(&bts)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	sr, err := entrycodec.FromBytes(bts)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt cache entry %s/%s: %w", partition, key, err)
	}
	return Entry{
		Partition:  partition,
		Key:        key,
		Status:     sr.Status,
		Header:     sr.Header,
		Body:       sr.Body,
		InsertedAt: sr.StoredAt,
	}, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, e Entry) error {
	bts, err := entrycodec.ToBytes(entrycodec.StoredResponse{
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		StoredAt: e.InsertedAt,
	})
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (partition, key, inserted_at, bytes) VALUES (?, ?, ?, ?)",
		e.Partition, e.Key, e.InsertedAt.Unix(), bts)
	return err
}

func (s SQLiteStore) Delete(ctx context.Context, partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE partition = ? AND key = ?", partition, key)
	return err
}

func (s SQLiteStore) DeletePartitionsNotIn(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		return s.PurgeAll(ctx)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ")
	args := make([]any, len(keep))
	for i, name := range keep {
		args[i] = name
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE partition NOT IN ("+placeholders+")", args...)
	return err
}

func (s SQLiteStore) SweepExpired(ctx context.Context, partitions []Partition) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	now := time.Now()
	removed := 0
	for _, p := range partitions {
		cutoff := now.Add(-p.MaxAge).Unix()
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE partition = ? AND inserted_at < ?",
			p.Name, cutoff)
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

func (s SQLiteStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT partition FROM cache_entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStore) PurgeAll(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries")
	return err
}

// Close closes the underlying database.
func (s SQLiteStore) Close() error {
	return s.db.Close()
}
