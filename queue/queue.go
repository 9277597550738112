// Package queue implements the durable mutation queue: write requests that
// failed while offline, persisted in enqueue order and replayed once the
// host signals that connectivity is back.
package queue

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mutation is one queued write request.
// Created on a connectivity failure, never mutated, deleted only after a
// confirmed successful replay.
type Mutation struct {
	ID     string
	Method string
	// URL is the request URI (path and query) relative to the origin.
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
}

// Queue is the durable FIFO of pending mutations.
//
// Implementations must be thread-safe!
type Queue interface {
	// Enqueue appends the mutation, assigning it a unique id and enqueue
	// timestamp, and returns the stored form.
	Enqueue(ctx context.Context, m Mutation) (Mutation, error)
	// All returns the pending mutations in enqueue order.
	All(ctx context.Context) ([]Mutation, error)
	// Remove deletes the mutation with the given id.
	Remove(ctx context.Context, id string) error
	// Len returns the number of pending mutations.
	Len(ctx context.Context) (int, error)
}

// MemQueue is an in-memory Queue, used in tests.
type MemQueue struct {
	mutex *sync.Mutex
	items *[]Mutation
}

func NewMemQueue() MemQueue {
	return MemQueue{
		mutex: &sync.Mutex{},
		items: &[]Mutation{},
	}
}

func (q MemQueue) Enqueue(_ context.Context, m Mutation) (Mutation, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	m.ID = uuid.NewString()
	m.EnqueuedAt = time.Now()
	*q.items = append(*q.items, m)
	return m, nil
}

func (q MemQueue) All(_ context.Context) ([]Mutation, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	items := make([]Mutation, len(*q.items))
	copy(items, *q.items)
	return items, nil
}

func (q MemQueue) Remove(_ context.Context, id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	items := *q.items
	for i, m := range items {
		if m.ID == id {
			*q.items = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q MemQueue) Len(_ context.Context) (int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(*q.items), nil
}
