// Package sched owns the Master's scheduling state: the query registry, the
// ready set and the worker pool. It runs the dispatch and aging loops and
// applies every lifecycle transition reported by the session handlers.
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/qmaster/api/control"
	"github.com/gaspardpetit/qmaster/core/logx"
	"github.com/gaspardpetit/qmaster/internal/archive"
	"github.com/gaspardpetit/qmaster/internal/inflight"
	"github.com/gaspardpetit/qmaster/internal/metrics"
	"github.com/gaspardpetit/qmaster/internal/query"
	"github.com/gaspardpetit/qmaster/internal/ready"
	"github.com/gaspardpetit/qmaster/internal/serverstate"
	"github.com/gaspardpetit/qmaster/internal/workers"
)

const (
	DefaultAgingTick       = 100 * time.Millisecond
	DefaultDispatchBackoff = 50 * time.Millisecond

	archiveTimeout = 2 * time.Second
)

var ErrUnknownQuery = errors.New("unknown query")

// Options configures a Scheduler. Zero durations pick the defaults, except
// AgingThreshold where zero disables aging.
type Options struct {
	Policy          ready.Policy
	AgingThreshold  time.Duration
	AgingTick       time.Duration
	DispatchBackoff time.Duration
	Archive         archive.Store
	Inflight        *inflight.Counter
}

type Scheduler struct {
	opts  Options
	reg   *query.Registry
	ready *ready.Set
	pool  *workers.Pool
	kick  chan struct{}
	log   zerolog.Logger
}

func New(opts Options) *Scheduler {
	if opts.AgingTick <= 0 {
		opts.AgingTick = DefaultAgingTick
	}
	if opts.DispatchBackoff <= 0 {
		opts.DispatchBackoff = DefaultDispatchBackoff
	}
	if opts.Archive == nil {
		opts.Archive = archive.NewMemoryStore(archive.DefaultCapacity)
	}
	if opts.Inflight == nil {
		opts.Inflight = &inflight.Counter{}
	}
	return &Scheduler{
		opts:  opts,
		reg:   query.NewRegistry(),
		ready: ready.New(),
		pool:  workers.NewPool(),
		kick:  make(chan struct{}, 1),
		log:   logx.Component("scheduler"),
	}
}

func (s *Scheduler) Registry() *query.Registry   { return s.reg }
func (s *Scheduler) Ready() *ready.Set           { return s.ready }
func (s *Scheduler) Pool() *workers.Pool         { return s.pool }
func (s *Scheduler) Policy() ready.Policy        { return s.opts.Policy }
func (s *Scheduler) Inflight() *inflight.Counter { return s.opts.Inflight }
func (s *Scheduler) Archive() archive.Store      { return s.opts.Archive }

// Run drives the dispatch loop, plus the aging loop when aging is enabled,
// until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if s.opts.AgingThreshold > 0 {
		go s.ageLoop(ctx)
	}
	s.log.Info().Str("policy", s.opts.Policy.String()).Dur("aging_threshold", s.opts.AgingThreshold).Msg("scheduler started")
	for {
		if err := s.ready.Wait(ctx); err != nil {
			return
		}
		if !s.dispatchOne() {
			if err := s.backoff(ctx); err != nil {
				return
			}
		}
	}
}

// dispatchOne pops one ready query and tries to place it. It returns false
// when the query had to go back to the ready set.
func (s *Scheduler) dispatchOne() bool {
	q, ok := s.ready.Pop(s.opts.Policy)
	if !ok {
		return true
	}
	metrics.SetReady(s.ready.Len())
	if q.State() == query.StateExit {
		s.retire(q)
		return true
	}
	w, err := s.pool.AssignIdle(q)
	switch {
	case err == nil:
		s.sendAssign(w, q)
		return true
	case errors.Is(err, workers.ErrQueryExited):
		s.retire(q)
		return true
	}
	if s.opts.Policy == ready.Priority {
		if v, ok := s.pool.PreemptFor(q); ok {
			s.sendPreempt(v, q)
			return true
		}
	}
	if !s.ready.Requeue(q) {
		s.retire(q)
		return true
	}
	metrics.SetReady(s.ready.Len())
	return false
}

// Kick ends a pending dispatch backoff early.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) backoff(ctx context.Context) error {
	t := time.NewTimer(s.opts.DispatchBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.kick:
	case <-t.C:
	}
	return nil
}

func (s *Scheduler) ageLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.AgingTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.agePass()
		}
	}
}

func (s *Scheduler) agePass() {
	changes := s.ready.Age(s.opts.AgingThreshold)
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		s.log.Info().Uint32("query_id", c.ID).Uint32("from", c.Prev).Uint32("priority", c.Cur).Msg("priority aged")
	}
	metrics.Aged(len(changes))
	s.Kick()
	s.ready.Wake()
}

func (s *Scheduler) sendAssign(w *workers.Worker, q *query.Query) {
	_ = w.Conn.Send(control.Assign(q.ID, q.PC(), q.Path))
	metrics.QueryAssigned(time.Since(q.EnqueuedAt()))
	metrics.SetWorkers(s.pool.Count(), s.pool.BusyCount())
	s.log.Info().Uint32("query_id", q.ID).Uint32("worker_id", w.ID).Uint32("priority", q.Priority()).
		Uint32("pc", q.PC()).Str("path", q.Path).Int("workers", s.pool.Count()).Msg("query assigned")
	// A cancel that raced the assignment may have preempted before the
	// assign reached the worker.
	if q.State() == query.StateExit {
		_ = w.Conn.Send(control.Preempt(q.ID))
		metrics.Preempted("cancel")
	}
}

func (s *Scheduler) sendPreempt(v workers.Victim, incoming *query.Query) {
	_ = v.Worker.Conn.Send(control.Preempt(v.Query.ID))
	metrics.Preempted("priority")
	s.log.Info().Uint32("query_id", v.Query.ID).Uint32("worker_id", v.Worker.ID).Uint32("priority", v.Priority).
		Uint32("incoming_id", incoming.ID).Uint32("incoming_priority", incoming.Priority()).
		Int("workers", s.pool.Count()).Msg("query preempted")
}

// retire drops q from the registry and archives its final record. Only the
// holder of the last reference calls it; a second call is a no-op.
func (s *Scheduler) retire(q *query.Query) {
	if _, ok := s.reg.Retire(q.ID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.opts.Archive.Put(ctx, q.View()); err != nil {
		s.log.Warn().Err(err).Uint32("query_id", q.ID).Msg("archive query")
	}
	s.opts.Inflight.Dec()
	metrics.QueryFinished(q.Reason())
	metrics.SetReady(s.ready.Len())
	s.log.Debug().Uint32("query_id", q.ID).Str("reason", q.Reason()).Msg("query retired")
}

// Lookup returns the live record of a query, else its archived record.
func (s *Scheduler) Lookup(ctx context.Context, id uint32) (query.View, error) {
	if q, ok := s.reg.Get(id); ok {
		return q.View(), nil
	}
	rec, ok, err := s.opts.Archive.Get(ctx, id)
	if err != nil {
		return query.View{}, err
	}
	if !ok {
		return query.View{}, ErrUnknownQuery
	}
	return rec, nil
}

// Snapshot is a point-in-time view of the scheduling state.
type Snapshot struct {
	Policy  string         `json:"policy"`
	Queries []query.View   `json:"queries"`
	Ready   []uint32       `json:"ready"`
	Workers []workers.View `json:"workers"`
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Policy:  s.opts.Policy.String(),
		Queries: s.reg.Snapshot(),
		Ready:   s.ready.IDs(),
		Workers: s.pool.Snapshot(),
	}
}

func (s *Scheduler) observePool() {
	n := s.pool.Count()
	metrics.SetWorkers(n, s.pool.BusyCount())
	serverstate.Observe(n)
}
