// Package ready implements the Ready Set: the queries awaiting assignment,
// kept in insertion order.
package ready

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/qmaster/internal/query"
)

// Policy selects how Pop picks the next query.
type Policy int

const (
	FIFO Policy = iota
	Priority
)

func (p Policy) String() string {
	if p == Priority {
		return "PRIORITY"
	}
	return "FIFO"
}

// ParsePolicy accepts FIFO or PRIORITY (case-insensitive, PRIORITIES and
// PRIORIDADES accepted as synonyms).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FIFO":
		return FIFO, nil
	case "PRIORITY", "PRIORITIES", "PRIORIDADES":
		return Priority, nil
	}
	return FIFO, fmt.Errorf("unknown scheduling policy %q", s)
}

// Change records one aging adjustment.
type Change struct {
	ID   uint32
	Prev uint32
	Cur  uint32
}

// Set is the Ready Set. Entries are always ordered by their insertion
// sequence, which is what makes priority pops stable.
type Set struct {
	mu      sync.Mutex
	items   []*query.Query
	nextSeq uint64
	notify  chan struct{}

	// Now is the clock used to stamp and age entries.
	Now func() time.Time
}

func New() *Set {
	return &Set{notify: make(chan struct{}, 1), Now: time.Now}
}

// Enqueue appends q, stamps its aging clock and wakes any waiter. Queries
// that already reached EXIT are refused and the caller keeps ownership.
func (s *Set) Enqueue(q *query.Query) bool {
	s.mu.Lock()
	if q.State() == query.StateExit {
		s.mu.Unlock()
		return false
	}
	s.nextSeq++
	q.Enqueued(s.nextSeq, s.Now())
	s.items = append(s.items, q)
	s.mu.Unlock()
	s.signal()
	return true
}

// Requeue puts back a query that was popped but could not be dispatched. It
// regains its original position and keeps its aging clock. Like Enqueue it
// refuses queries in EXIT.
func (s *Set) Requeue(q *query.Query) bool {
	seq := q.Seq()
	s.mu.Lock()
	if q.State() == query.StateExit {
		s.mu.Unlock()
		return false
	}
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Seq() > seq })
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = q
	s.mu.Unlock()
	s.signal()
	return true
}

// Pop removes one query according to policy. Under Priority the minimum
// priority wins and ties go to the earliest-inserted entry; the remaining
// entries keep their relative order.
func (s *Set) Pop(p Policy) (*query.Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	idx := 0
	if p == Priority {
		best := s.items[0].Priority()
		for i := 1; i < len(s.items); i++ {
			if pr := s.items[i].Priority(); pr < best {
				best, idx = pr, i
			}
		}
	}
	return s.removeAt(idx), true
}

// Remove drops the query with the given id. It reports whether it was present.
func (s *Set) Remove(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.items {
		if q.ID == id {
			s.removeAt(i)
			return true
		}
	}
	return false
}

func (s *Set) removeAt(i int) *query.Query {
	q := s.items[i]
	copy(s.items[i:], s.items[i+1:])
	s.items[len(s.items)-1] = nil
	s.items = s.items[:len(s.items)-1]
	return q
}

func (s *Set) Len() int { s.mu.Lock(); defer s.mu.Unlock(); return len(s.items) }

// IDs returns the ids of the ready queries in order.
func (s *Set) IDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, len(s.items))
	for i, q := range s.items {
		ids[i] = q.ID
	}
	return ids
}

func (s *Set) Contains(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.items {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Age applies one aging pass to every ready query under a single lock, so the
// whole set moves together before the next pop. Threshold <= 0 disables aging.
func (s *Set) Age(threshold time.Duration) []Change {
	if threshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var changes []Change
	for _, q := range s.items {
		if prev, cur, changed := q.Age(now, threshold); changed {
			changes = append(changes, Change{ID: q.ID, Prev: prev, Cur: cur})
		}
	}
	return changes
}

// Wait blocks until the set is non-empty or ctx ends.
func (s *Set) Wait(ctx context.Context) error {
	for {
		if s.Len() > 0 {
			return nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wake nudges a waiter without adding an entry.
func (s *Set) Wake() { s.signal() }

func (s *Set) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
