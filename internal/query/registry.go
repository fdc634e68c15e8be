package query

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// ErrIDsExhausted is returned once every uint32 id has been handed out.
var ErrIDsExhausted = errors.New("query ids exhausted")

// Registry maps query ids to live Query records. Ids are allocated from a
// counter starting at 0 and are never reused.
type Registry struct {
	mu      sync.RWMutex
	next    uint64
	queries map[uint32]*Query
}

func NewRegistry() *Registry { return &Registry{queries: make(map[uint32]*Query)} }

// Admit allocates the next id and stores a new READY query. Allocation and
// insertion happen under one lock so ids follow admission order.
func (r *Registry) Admit(path string, priority uint32, ctl Control) (*Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > math.MaxUint32 {
		return nil, ErrIDsExhausted
	}
	q := New(uint32(r.next), path, priority, ctl)
	r.next++
	r.queries[q.ID] = q
	return q, nil
}

func (r *Registry) Get(id uint32) (*Query, bool) {
	r.mu.RLock()
	q, ok := r.queries[id]
	r.mu.RUnlock()
	return q, ok
}

// Retire removes a query from the live set. Callers retire a query only once
// no ready set entry or worker slot holds it.
func (r *Registry) Retire(id uint32) (*Query, bool) {
	r.mu.Lock()
	q, ok := r.queries[id]
	if ok {
		delete(r.queries, id)
	}
	r.mu.Unlock()
	return q, ok
}

func (r *Registry) Len() int { r.mu.RLock(); defer r.mu.RUnlock(); return len(r.queries) }

// Snapshot returns views of all live queries ordered by id.
func (r *Registry) Snapshot() []View {
	r.mu.RLock()
	qs := make([]*Query, 0, len(r.queries))
	for _, q := range r.queries {
		qs = append(qs, q)
	}
	r.mu.RUnlock()
	sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
	res := make([]View, 0, len(qs))
	for _, q := range qs {
		res = append(res, q.View())
	}
	return res
}
