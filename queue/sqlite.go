package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteQueue is a durable Queue backed by a SQLite database.
// The monotonic seq column preserves enqueue order across restarts.
type SQLiteQueue struct {
	db *sql.DB
	// SQLite allows only one writer at a time
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens (and if needed creates) the queue database.
func NewSQLiteQueue(filename string) SQLiteQueue {
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
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mutation_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		header BLOB NOT NULL,
		body BLOB,
		enqueued_at INTEGER NOT NULL)`)
	if err != nil {
		panic(err)
	}
	return SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (q SQLiteQueue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	m.ID = uuid.NewString()
	m.EnqueuedAt = time.Now()
	header, err := json.Marshal(m.Header)
	if err != nil {
		return m, fmt.Errorf("encoding mutation header: %w", err)
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err = q.db.ExecContext(ctx,
		"INSERT INTO mutation_queue (id, method, url, header, body, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.Method, m.URL, header, m.Body, m.EnqueuedAt.Unix())
	return m, err
}

func (q SQLiteQueue) All(ctx context.Context) ([]Mutation, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, method, url, header, body, enqueued_at FROM mutation_queue ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	mutations := make([]Mutation, 0)
	for rows.Next() {
		var m Mutation
		var header []byte
		var enqueuedAt int64
		if err := rows.Scan(&m.ID, &m.Method, &m.URL, &header, &m.Body, &enqueuedAt); err != nil {
			return mutations, err
		}
		m.Header = make(http.Header)
		if err := json.Unmarshal(header, &m.Header); err != nil {
			return mutations, fmt.Errorf("corrupt mutation %s: %w", m.ID, err)
		}
		m.EnqueuedAt = time.Unix(enqueuedAt, 0)
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

func (q SQLiteQueue) Remove(ctx context.Context, id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
	return err
}

func (q SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutation_queue").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (q SQLiteQueue) Close() error {
	return q.db.Close()
}
