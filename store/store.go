// Package store implements the durable partitioned cache backing the proxy.
// A partition is a named subdivision of the cache with its own max age;
// entries are immutable once written and are only ever overwritten wholesale.
package store

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Partition declares a named cache partition and its staleness policy.
// The set of partitions is fixed at process start.
type Partition struct {
	// Name of the partition as stored on disk.
	// Includes the generation tag, e.g. "static-v3".
	Name string
	// MaxAge after which entries in this partition are stale.
	MaxAge time.Duration
}

// Entry is a single cached response.
type Entry struct {
	Partition  string
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	InsertedAt time.Time
}

// Store is the durable medium for cache entries.
// It holds no policy logic beyond expiry bookkeeping.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for the given partition and key, if it exists.
	// The boolean indicates whether the entry was found.
	Get(ctx context.Context, partition, key string) (Entry, bool, error)
	// Put stores the entry under (e.Partition, e.Key).
	// Overwrite semantics; last write wins.
	Put(ctx context.Context, e Entry) error
	// Delete removes the entry for the given partition and key.
	Delete(ctx context.Context, partition, key string) error
	// DeletePartitionsNotIn removes every entry whose partition is not in keep.
	// Used for generation garbage collection at activation.
	DeletePartitionsNotIn(ctx context.Context, keep []string) error
	// SweepExpired deletes stale entries from the given partitions and
	// returns the number of entries removed.
	SweepExpired(ctx context.Context, partitions []Partition) (int, error)
	// Partitions returns the names of all partitions currently holding entries.
	Partitions(ctx context.Context) ([]string, error)
	// PurgeAll deletes every entry in every partition.
	PurgeAll(ctx context.Context) error
}

// IsStale reports whether the entry's age exceeds the partition's max age.
func IsStale(e Entry, p Partition) bool {
	return IsStaleAt(e, p, time.Now())
}

// IsStaleAt is IsStale with an explicit clock.
func IsStaleAt(e Entry, p Partition, now time.Time) bool {
	return now.Sub(e.InsertedAt) > p.MaxAge
}

// IsQuotaErr reports whether a Put failure was caused by an exhausted
// storage quota. Such failures are recoverable by sweeping expired entries.
func IsQuotaErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "SQLITE_FULL")
}

type memKey struct {
	partition string
	key       string
}

// MemStore is an in-memory Store, used in tests and as a non-durable provider.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[memKey]Entry
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[memKey]Entry),
	}
}

func (m MemStore) Get(_ context.Context, partition, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.db[memKey{partition, key}]
	if !ok {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m MemStore) Put(_ context.Context, e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[memKey{e.Partition, e.Key}] = e
	return nil
}

func (m MemStore) Delete(_ context.Context, partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, memKey{partition, key})
	return nil
}

func (m MemStore) DeletePartitionsNotIn(_ context.Context, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for k := range m.db {
		if _, ok := keepSet[k.partition]; !ok {
			delete(m.db, k)
		}
	}
	return nil
}

func (m MemStore) SweepExpired(_ context.Context, partitions []Partition) (int, error) {
	now := time.Now()
	maxAges := make(map[string]time.Duration, len(partitions))
	for _, p := range partitions {
		maxAges[p.Name] = p.MaxAge
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	removed := 0
	for k, e := range m.db {
		maxAge, ok := maxAges[k.partition]
		if !ok {
			continue
		}
		if now.Sub(e.InsertedAt) > maxAge {
			delete(m.db, k)
			removed++
		}
	}
	return removed, nil
}

func (m MemStore) Partitions(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for k := range m.db {
		if _, ok := seen[k.partition]; !ok {
			seen[k.partition] = struct{}{}
			names = append(names, k.partition)
		}
	}
	return names, nil
}

func (m MemStore) PurgeAll(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for k := range m.db {
		delete(m.db, k)
	}
	return nil
}
