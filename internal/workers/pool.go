// Package workers implements the Worker Pool: registered workers in
// registration order, indexed by id, with their running and parked queries.
package workers

import (
	"errors"
	"sync"
	"time"

	"github.com/gaspardpetit/qmaster/internal/query"
)

var (
	ErrDuplicateWorker = errors.New("worker id already registered")
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrNotRunning      = errors.New("query is not running on worker")
	ErrNoIdleWorker    = errors.New("no idle worker")
	ErrQueryExited     = errors.New("query already exited")
)

// Conn is the command channel to a worker session.
type Conn interface {
	Send(v any) error
}

// Worker is one execution engine. ID, Conn and ConnectedAt are immutable; the
// slots are guarded by the owning Pool.
type Worker struct {
	ID          uint32
	Conn        Conn
	ConnectedAt time.Time

	running *query.Query
	pending *query.Query
}

func NewWorker(id uint32, conn Conn) *Worker {
	return &Worker{ID: id, Conn: conn, ConnectedAt: time.Now()}
}

// Victim describes a preemption decision.
type Victim struct {
	Worker   *Worker
	Query    *query.Query
	Priority uint32
}

// Pool is the Worker Pool. Lock order: Pool.mu before any Query lock.
type Pool struct {
	mu    sync.RWMutex
	byID  map[uint32]*Worker
	order []*Worker
}

func NewPool() *Pool { return &Pool{byID: make(map[uint32]*Worker)} }

// Register adds an idle worker at the end of the iteration order.
func (p *Pool) Register(w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[w.ID]; ok {
		return ErrDuplicateWorker
	}
	w.running, w.pending = nil, nil
	p.byID[w.ID] = w
	p.order = append(p.order, w)
	return nil
}

// Unregister removes a worker and returns the queries it still held.
func (p *Pool) Unregister(id uint32) (running, pending *query.Query, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byID[id]
	if !ok {
		return nil, nil, false
	}
	delete(p.byID, id)
	for i, cand := range p.order {
		if cand == w {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	running, pending = w.running, w.pending
	w.running, w.pending = nil, nil
	return running, pending, true
}

func (p *Pool) Get(id uint32) (*Worker, bool) {
	p.mu.RLock()
	w, ok := p.byID[id]
	p.mu.RUnlock()
	return w, ok
}

// Count returns the number of live workers.
func (p *Pool) Count() int { p.mu.RLock(); defer p.mu.RUnlock(); return len(p.order) }

// BusyCount returns the number of workers running a query.
func (p *Pool) BusyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, w := range p.order {
		if w.running != nil {
			n++
		}
	}
	return n
}

// FindIdle returns the first idle worker in registration order.
func (p *Pool) FindIdle() (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.order {
		if w.running == nil {
			return w, true
		}
	}
	return nil, false
}

// Running returns the id of the query running on the worker.
func (p *Pool) Running(id uint32) (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.byID[id]
	if !ok || w.running == nil {
		return 0, false
	}
	return w.running.ID, true
}

// AssignIdle binds q to the first idle worker and moves q to EXEC in one
// step, so no other assignment can race for the same worker.
func (p *Pool) AssignIdle(q *query.Query) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.order {
		if w.running != nil {
			continue
		}
		if !q.BeginExec(w.ID) {
			return nil, ErrQueryExited
		}
		w.running = q
		return w, nil
	}
	return nil, ErrNoIdleWorker
}

// PreemptFor looks for a busy worker whose running query is strictly less
// favorable than q and parks q in that worker's pending slot. Workers that
// already hold a parked query are not candidates, and an exited q never
// displaces anyone.
func (p *Pool) PreemptFor(q *query.Query) (Victim, bool) {
	incoming := q.Priority()
	p.mu.Lock()
	defer p.mu.Unlock()
	if q.State() == query.StateExit {
		return Victim{}, false
	}
	cands := make([]*Worker, 0, len(p.order))
	prios := make([]uint32, 0, len(p.order))
	for _, w := range p.order {
		if w.running == nil || w.pending != nil {
			continue
		}
		if wid, ok := w.running.AssignedWorker(); !ok || wid != w.ID {
			continue
		}
		cands = append(cands, w)
		prios = append(prios, w.running.Priority())
	}
	i := SelectVictim(incoming, prios)
	if i < 0 {
		return Victim{}, false
	}
	w := cands[i]
	w.pending = q
	return Victim{Worker: w, Query: w.running, Priority: prios[i]}, true
}

// SelectVictim returns the index of the running priority to preempt for an
// incoming query, or -1. The victim has the numerically greatest priority
// strictly above incoming; among equals the last one wins.
func SelectVictim(incoming uint32, running []uint32) int {
	victim := -1
	var worst uint32
	for i, pr := range running {
		if pr > incoming && pr >= worst {
			worst = pr
			victim = i
		}
	}
	return victim
}

// Handoff releases the slot of query qid on worker id. If a query is parked
// on the worker it takes the slot immediately and is returned as next; a
// parked query that was canceled meanwhile is returned as dropped and the
// worker becomes idle.
func (p *Pool) Handoff(id, qid uint32) (next, dropped *query.Query, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byID[id]
	if !ok {
		return nil, nil, ErrUnknownWorker
	}
	if w.running == nil || w.running.ID != qid {
		return nil, nil, ErrNotRunning
	}
	pending := w.pending
	w.running, w.pending = nil, nil
	if pending == nil {
		return nil, nil, nil
	}
	if !pending.BeginExec(w.ID) {
		return nil, pending, nil
	}
	w.running = pending
	return pending, nil, nil
}

// View is a point-in-time copy of a worker for the state API.
type View struct {
	ID           uint32    `json:"id"`
	Busy         bool      `json:"busy"`
	RunningQuery *uint32   `json:"running_query,omitempty"`
	PendingQuery *uint32   `json:"pending_query,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Snapshot returns views of all workers in registration order.
func (p *Pool) Snapshot() []View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := make([]View, 0, len(p.order))
	for _, w := range p.order {
		v := View{ID: w.ID, Busy: w.running != nil, ConnectedAt: w.ConnectedAt}
		if w.running != nil {
			id := w.running.ID
			v.RunningQuery = &id
		}
		if w.pending != nil {
			id := w.pending.ID
			v.PendingQuery = &id
		}
		res = append(res, v)
	}
	return res
}

// Holds reports whether any worker runs or parks the query.
func (p *Pool) Holds(qid uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.order {
		if (w.running != nil && w.running.ID == qid) || (w.pending != nil && w.pending.ID == qid) {
			return true
		}
	}
	return false
}
