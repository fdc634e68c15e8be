// Package query holds the Query record and the Registry that is the source of
// truth for query state.
package query

import (
	"sync"
	"time"
)

// State is the lifecycle state of a query. NEW is collapsed into READY at
// admission.
type State int

const (
	StateReady State = iota
	StateExec
	StateExit
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Reason recorded when a query is canceled by its Query-Control session.
const ReasonCanceled = "CANCELED"

// Control is the originating Query-Control session. Sends are fire-and-forget.
type Control interface {
	Send(v any) error
}

// Query is one submitted job. ID, Path, Control and CreatedAt are immutable;
// everything else is guarded by mu and reached through methods.
type Query struct {
	ID        uint32
	Path      string
	Control   Control
	CreatedAt time.Time

	mu          sync.Mutex
	priority    uint32
	pc          uint32
	state       State
	worker      uint32
	hasWorker   bool
	seq         uint64
	lastAging   time.Time
	enqueuedAt  time.Time
	controlGone bool
	reason      string
	finishedAt  time.Time
}

// New builds a READY query with a zero program counter.
func New(id uint32, path string, priority uint32, ctl Control) *Query {
	return &Query{
		ID:        id,
		Path:      path,
		Control:   ctl,
		CreatedAt: time.Now(),
		priority:  priority,
		state:     StateReady,
	}
}

func (q *Query) Priority() uint32 { q.mu.Lock(); defer q.mu.Unlock(); return q.priority }
func (q *Query) PC() uint32       { q.mu.Lock(); defer q.mu.Unlock(); return q.pc }
func (q *Query) State() State     { q.mu.Lock(); defer q.mu.Unlock(); return q.state }
func (q *Query) Reason() string   { q.mu.Lock(); defer q.mu.Unlock(); return q.reason }
func (q *Query) Seq() uint64      { q.mu.Lock(); defer q.mu.Unlock(); return q.seq }

// LastAging returns the instant of the last enqueue or aging adjustment.
func (q *Query) LastAging() time.Time { q.mu.Lock(); defer q.mu.Unlock(); return q.lastAging }

// EnqueuedAt returns when the query last entered the ready set.
func (q *Query) EnqueuedAt() time.Time { q.mu.Lock(); defer q.mu.Unlock(); return q.enqueuedAt }

// AssignedWorker returns the worker executing the query, if any.
func (q *Query) AssignedWorker() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.worker, q.hasWorker
}

// Enqueued stamps the ready-set insertion sequence and restarts the aging
// clock.
func (q *Query) Enqueued(seq uint64, now time.Time) {
	q.mu.Lock()
	q.seq = seq
	q.lastAging = now
	q.enqueuedAt = now
	q.mu.Unlock()
}

// Age applies whole aging steps for the time elapsed since the last aging
// instant. The priority is floored at 0 and the clock advances by exactly
// steps*threshold so leftover wait carries over to the next pass.
func (q *Query) Age(now time.Time, threshold time.Duration) (prev, cur uint32, changed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev = q.priority
	if threshold <= 0 || q.state == StateExit {
		return prev, prev, false
	}
	elapsed := now.Sub(q.lastAging)
	if elapsed < threshold {
		return prev, prev, false
	}
	steps := uint64(elapsed / threshold)
	if uint64(q.priority) > steps {
		q.priority -= uint32(steps)
	} else {
		q.priority = 0
	}
	q.lastAging = q.lastAging.Add(time.Duration(steps) * threshold)
	return prev, q.priority, q.priority != prev
}

// BeginExec moves the query to EXEC on the given worker. It refuses queries
// that already reached EXIT.
func (q *Query) BeginExec(workerID uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateExit {
		return false
	}
	q.state = StateExec
	q.worker = workerID
	q.hasWorker = true
	return true
}

// Checkpoint records the saved program counter and detaches the worker. A
// query that is still live goes back to READY; one that was canceled while
// the preemption was in flight stays EXIT and exited is true.
func (q *Query) Checkpoint(pc uint32) (exited bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pc = pc
	q.hasWorker = false
	if q.state == StateExit {
		return true
	}
	q.state = StateReady
	return false
}

// Finish marks the query EXIT with the given reason. It reports whether the
// query was live before the call.
func (q *Query) Finish(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.state != StateExit
	q.hasWorker = false
	if live {
		q.state = StateExit
		q.reason = reason
		q.finishedAt = time.Now()
	}
	return live
}

// Cancel handles the disconnection of the Query-Control session. The query is
// moved to EXIT and the previous state is returned together with the worker
// that still runs it when prev is EXEC.
func (q *Query) Cancel() (prev State, worker uint32, hasWorker bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.controlGone = true
	prev = q.state
	worker, hasWorker = q.worker, q.hasWorker
	if q.state != StateExit {
		q.state = StateExit
		q.reason = ReasonCanceled
		q.finishedAt = time.Now()
	}
	return prev, worker, hasWorker
}

// Notify forwards a message to the Query-Control session unless it is gone.
// It reports whether the message was handed to the session.
func (q *Query) Notify(v any) bool {
	q.mu.Lock()
	gone := q.controlGone
	q.mu.Unlock()
	if gone || q.Control == nil {
		return false
	}
	return q.Control.Send(v) == nil
}

// View is a point-in-time copy of a query used by the state API and the
// archive.
type View struct {
	ID               uint32     `json:"id"`
	Path             string     `json:"path"`
	Priority         uint32     `json:"priority"`
	PC               uint32     `json:"pc"`
	State            string     `json:"state"`
	Worker           *uint32    `json:"worker,omitempty"`
	ControlConnected bool       `json:"control_connected"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// View returns a snapshot of the query.
func (q *Query) View() View {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := View{
		ID:               q.ID,
		Path:             q.Path,
		Priority:         q.priority,
		PC:               q.pc,
		State:            q.state.String(),
		ControlConnected: !q.controlGone,
		Reason:           q.reason,
		CreatedAt:        q.CreatedAt,
	}
	if q.hasWorker {
		w := q.worker
		v.Worker = &w
	}
	if !q.finishedAt.IsZero() {
		f := q.finishedAt
		v.FinishedAt = &f
	}
	return v
}
