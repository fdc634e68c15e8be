// Package archive retains the final record of queries that reached EXIT so
// operators can look them up after the live registry dropped them.
package archive

import (
	"context"
	"sync"

	"github.com/gaspardpetit/qmaster/internal/query"
)

// DefaultCapacity is the number of records kept by the memory store.
const DefaultCapacity = 1024

// Store keeps retired query records.
type Store interface {
	Put(ctx context.Context, rec query.View) error
	Get(ctx context.Context, id uint32) (query.View, bool, error)
}

type memoryStore struct {
	mu   sync.Mutex
	cap  int
	ring []uint32
	next int
	recs map[uint32]query.View
}

// NewMemoryStore returns a Store that keeps the most recent capacity records.
func NewMemoryStore(capacity int) Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &memoryStore{cap: capacity, ring: make([]uint32, 0, capacity), recs: make(map[uint32]query.View, capacity)}
}

func (m *memoryStore) Put(_ context.Context, rec query.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; ok {
		m.recs[rec.ID] = rec
		return nil
	}
	if len(m.ring) < m.cap {
		m.ring = append(m.ring, rec.ID)
	} else {
		delete(m.recs, m.ring[m.next])
		m.ring[m.next] = rec.ID
		m.next = (m.next + 1) % m.cap
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memoryStore) Get(_ context.Context, id uint32) (query.View, bool, error) {
	m.mu.Lock()
	rec, ok := m.recs[id]
	m.mu.Unlock()
	return rec, ok, nil
}
