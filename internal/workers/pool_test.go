package workers

import (
	"testing"

	"github.com/gaspardpetit/qmaster/internal/query"
)

type nopConn struct{}

func (nopConn) Send(any) error { return nil }

func newPool(t *testing.T, ids ...uint32) *Pool {
	t.Helper()
	p := NewPool()
	for _, id := range ids {
		if err := p.Register(NewWorker(id, nopConn{})); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	return p
}

func admit(t *testing.T, reg *query.Registry, path string, priority uint32) *query.Query {
	t.Helper()
	q, err := reg.Admit(path, priority, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return q
}

func TestSelectVictimPicksLastOfWorst(t *testing.T) {
	if i := SelectVictim(3, []uint32{6, 9, 9}); i != 2 {
		t.Fatalf("victim = %d, want 2", i)
	}
	if i := SelectVictim(9, []uint32{6, 9, 9}); i != -1 {
		t.Fatalf("victim = %d, want -1 for equal priority", i)
	}
	if i := SelectVictim(0, nil); i != -1 {
		t.Fatalf("victim = %d on empty", i)
	}
	if i := SelectVictim(0, []uint32{4, 1}); i != 0 {
		t.Fatalf("victim = %d, want 0", i)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	p := newPool(t, 7)
	if err := p.Register(NewWorker(7, nopConn{})); err != ErrDuplicateWorker {
		t.Fatalf("err = %v", err)
	}
	if p.Count() != 1 {
		t.Fatalf("count = %d", p.Count())
	}
}

func TestAssignIdleFollowsRegistrationOrder(t *testing.T) {
	p := newPool(t, 5, 1, 3)
	reg := query.NewRegistry()
	var got []uint32
	for i := 0; i < 3; i++ {
		w, err := p.AssignIdle(admit(t, reg, "/q", 1))
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		got = append(got, w.ID)
	}
	if got[0] != 5 || got[1] != 1 || got[2] != 3 {
		t.Fatalf("order = %v", got)
	}
	if _, err := p.AssignIdle(admit(t, reg, "/q", 1)); err != ErrNoIdleWorker {
		t.Fatalf("err = %v", err)
	}
	if _, ok := p.FindIdle(); ok {
		t.Fatalf("expected no idle worker")
	}
	if p.BusyCount() != 3 {
		t.Fatalf("busy = %d", p.BusyCount())
	}
}

func TestAssignIdleRefusesExitedQuery(t *testing.T) {
	p := newPool(t, 1)
	q := query.New(1, "/q", 1, nil)
	q.Cancel()
	if _, err := p.AssignIdle(q); err != ErrQueryExited {
		t.Fatalf("err = %v", err)
	}
	if _, ok := p.FindIdle(); !ok {
		t.Fatalf("worker should stay idle")
	}
}

func TestPreemptForParksOnWorstAndSkipsParked(t *testing.T) {
	p := newPool(t, 1, 2, 3)
	reg := query.NewRegistry()
	for _, pr := range []uint32{6, 9, 9} {
		if _, err := p.AssignIdle(admit(t, reg, "/q", pr)); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	first := admit(t, reg, "/hi", 3)
	v, ok := p.PreemptFor(first)
	if !ok || v.Worker.ID != 3 || v.Priority != 9 {
		t.Fatalf("victim = %+v ok=%v", v, ok)
	}
	second := admit(t, reg, "/hi", 3)
	v, ok = p.PreemptFor(second)
	if !ok || v.Worker.ID != 2 {
		t.Fatalf("second victim = %+v ok=%v", v, ok)
	}
	third := admit(t, reg, "/hi", 3)
	v, ok = p.PreemptFor(third)
	if !ok || v.Worker.ID != 1 {
		t.Fatalf("third victim = %+v ok=%v", v, ok)
	}
	if _, ok := p.PreemptFor(admit(t, reg, "/hi", 3)); ok {
		t.Fatalf("all workers already hold a parked query")
	}
}

func TestPreemptForIgnoresExitedQuery(t *testing.T) {
	p := newPool(t, 1)
	reg := query.NewRegistry()
	if _, err := p.AssignIdle(admit(t, reg, "/low", 9)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	q := admit(t, reg, "/hi", 1)
	q.Cancel()
	if v, ok := p.PreemptFor(q); ok {
		t.Fatalf("canceled query preempted %+v", v)
	}
	if p.Holds(q.ID) {
		t.Fatalf("canceled query parked")
	}
}

func TestHandoffStartsParkedQuery(t *testing.T) {
	p := newPool(t, 1)
	low := query.New(1, "/low", 5, nil)
	high := query.New(2, "/high", 1, nil)
	if _, err := p.AssignIdle(low); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, ok := p.PreemptFor(high); !ok {
		t.Fatalf("expected a victim")
	}
	low.Checkpoint(42)
	next, dropped, err := p.Handoff(1, low.ID)
	if err != nil || dropped != nil || next != high {
		t.Fatalf("handoff next=%v dropped=%v err=%v", next, dropped, err)
	}
	if high.State() != query.StateExec {
		t.Fatalf("parked query state = %v", high.State())
	}
	if id, ok := p.Running(1); !ok || id != high.ID {
		t.Fatalf("running = %d %v", id, ok)
	}
	if _, _, err := p.Handoff(1, low.ID); err != ErrNotRunning {
		t.Fatalf("stale handoff err = %v", err)
	}
}

func TestHandoffDropsCanceledParkedQuery(t *testing.T) {
	p := newPool(t, 1)
	low := query.New(1, "/low", 5, nil)
	high := query.New(2, "/high", 1, nil)
	p.AssignIdle(low)
	p.PreemptFor(high)
	high.Cancel()
	next, dropped, err := p.Handoff(1, low.ID)
	if err != nil || next != nil || dropped != high {
		t.Fatalf("handoff next=%v dropped=%v err=%v", next, dropped, err)
	}
	if _, ok := p.FindIdle(); !ok {
		t.Fatalf("worker should be idle")
	}
}

func TestUnregisterReturnsHeldQueries(t *testing.T) {
	p := newPool(t, 1, 2)
	low := query.New(1, "/low", 5, nil)
	high := query.New(2, "/high", 1, nil)
	p.AssignIdle(low)
	p.AssignIdle(query.New(3, "/x", 1, nil))
	p.PreemptFor(high)
	running, pending, ok := p.Unregister(1)
	if !ok || running != low || pending != high {
		t.Fatalf("unregister running=%v pending=%v ok=%v", running, pending, ok)
	}
	if p.Count() != 1 || p.Holds(high.ID) {
		t.Fatalf("pool still references worker 1")
	}
	if _, _, ok := p.Unregister(1); ok {
		t.Fatalf("second unregister succeeded")
	}
	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].ID != 2 || !snap[0].Busy {
		t.Fatalf("snapshot = %+v", snap)
	}
}
