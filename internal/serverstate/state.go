// Package serverstate tracks whether the Master can take work: not_ready
// until a worker identifies, ready while workers are connected and draining
// once shutdown begins.
package serverstate

import "sync/atomic"

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State holds the server status and draining flag. Both fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the server state.
type Store interface {
	Load() State
	Store(State)
}

var active Store = NewMemoryStore()

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// SetState updates the server status string.
func SetState(status string) {
	st := active.Load()
	st.Status = status
	active.Store(st)
}

// GetState returns the current server status.
func GetState() string { return active.Load().Status }

// Observe derives readiness from the number of live workers. It never leaves
// the draining state.
func Observe(workers int) {
	st := active.Load()
	if st.Draining {
		return
	}
	if workers > 0 {
		st.Status = StatusReady
	} else {
		st.Status = StatusNotReady
	}
	active.Store(st)
}

// StartDrain marks the server as draining.
func StartDrain() {
	active.Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool { return active.Load().Draining }
