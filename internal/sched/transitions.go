package sched

import (
	"github.com/gaspardpetit/qmaster/api/control"
	"github.com/gaspardpetit/qmaster/internal/metrics"
	"github.com/gaspardpetit/qmaster/internal/query"
	"github.com/gaspardpetit/qmaster/internal/workers"
)

// Submit admits a query from a Query-Control session and makes it ready.
func (s *Scheduler) Submit(path string, priority uint32, ctl query.Control) (*query.Query, error) {
	q, err := s.reg.Admit(path, priority, ctl)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("query refused")
		return nil, err
	}
	s.opts.Inflight.Inc()
	metrics.QuerySubmitted()
	s.ready.Enqueue(q)
	metrics.SetReady(s.ready.Len())
	s.log.Info().Uint32("query_id", q.ID).Uint32("priority", priority).Str("path", path).
		Int("workers", s.pool.Count()).Msg("query submitted")
	return q, nil
}

// ControlGone cancels q after its Query-Control session closed. A ready query
// is removed and retired here; an executing one is preempted and retired when
// its worker reports back. Anything else is retired by whoever holds it.
func (s *Scheduler) ControlGone(q *query.Query) {
	prev, wid, hasWorker := q.Cancel()
	if prev == query.StateExit {
		s.log.Debug().Uint32("query_id", q.ID).Msg("qc detached")
		return
	}
	s.log.Info().Uint32("query_id", q.ID).Str("state", prev.String()).Msg("query canceled")
	switch prev {
	case query.StateReady:
		if s.ready.Remove(q.ID) {
			s.retire(q)
		}
	case query.StateExec:
		if !hasWorker {
			return
		}
		if w, ok := s.pool.Get(wid); ok {
			_ = w.Conn.Send(control.Preempt(q.ID))
			metrics.Preempted("cancel")
			s.log.Info().Uint32("query_id", q.ID).Uint32("worker_id", wid).Msg("query preempted")
		}
	}
}

// RegisterWorker adds an idle worker to the pool.
func (s *Scheduler) RegisterWorker(id uint32, conn workers.Conn) (*workers.Worker, error) {
	w := workers.NewWorker(id, conn)
	if err := s.pool.Register(w); err != nil {
		return nil, err
	}
	s.observePool()
	s.log.Info().Uint32("worker_id", id).Int("workers", s.pool.Count()).Msg("worker connected")
	s.Kick()
	s.ready.Wake()
	return w, nil
}

// WorkerGone removes a worker. Its running query finishes with
// ERROR_WORKER_DISCONNECTED; a query parked on it goes back to the ready set.
func (s *Scheduler) WorkerGone(id uint32) {
	running, pending, ok := s.pool.Unregister(id)
	if !ok {
		return
	}
	s.observePool()
	s.log.Info().Uint32("worker_id", id).Int("workers", s.pool.Count()).Msg("worker disconnected")
	if running != nil {
		if running.Finish(control.ReasonWorkerDisconnected) {
			running.Notify(control.Finish(control.ReasonWorkerDisconnected))
		}
		s.log.Warn().Uint32("query_id", running.ID).Uint32("worker_id", id).
			Str("reason", control.ReasonWorkerDisconnected).Msg("query finished")
		s.retire(running)
	}
	if pending != nil {
		if s.ready.Requeue(pending) {
			metrics.SetReady(s.ready.Len())
		} else {
			s.retire(pending)
		}
	}
}

// Read relays one output of the query running on worker wid to its
// Query-Control session.
func (s *Scheduler) Read(wid, qid uint32, tag, content string) error {
	q, err := s.runningOn(wid, qid)
	if err != nil {
		s.log.Warn().Err(err).Uint32("query_id", qid).Uint32("worker_id", wid).Msg("read dropped")
		return err
	}
	q.Notify(control.Read(tag, content))
	s.log.Info().Uint32("query_id", qid).Uint32("worker_id", wid).Str("tag", tag).Msg("read relayed")
	return nil
}

// Finish ends the query running on worker wid and hands the worker to any
// query parked on it.
func (s *Scheduler) Finish(wid, qid uint32, reason string) error {
	q, err := s.runningOn(wid, qid)
	if err != nil {
		s.log.Warn().Err(err).Uint32("query_id", qid).Uint32("worker_id", wid).Msg("finish dropped")
		return err
	}
	next, dropped, err := s.pool.Handoff(wid, qid)
	if err != nil {
		s.log.Warn().Err(err).Uint32("query_id", qid).Uint32("worker_id", wid).Msg("finish dropped")
		return err
	}
	if q.Finish(reason) {
		q.Notify(control.Finish(reason))
	}
	s.log.Info().Uint32("query_id", qid).Uint32("worker_id", wid).Str("reason", reason).
		Int("workers", s.pool.Count()).Msg("query finished")
	s.retire(q)
	s.afterRelease(wid, next, dropped)
	return nil
}

// Checkpoint records the program counter of a preempted query. A live query
// goes back to the ready set; one canceled meanwhile is retired.
func (s *Scheduler) Checkpoint(wid, qid, pc uint32) error {
	q, err := s.runningOn(wid, qid)
	if err != nil {
		s.log.Warn().Err(err).Uint32("query_id", qid).Uint32("worker_id", wid).Msg("checkpoint dropped")
		return err
	}
	next, dropped, err := s.pool.Handoff(wid, qid)
	if err != nil {
		s.log.Warn().Err(err).Uint32("query_id", qid).Uint32("worker_id", wid).Msg("checkpoint dropped")
		return err
	}
	metrics.Checkpointed()
	exited := q.Checkpoint(pc)
	s.log.Info().Uint32("query_id", qid).Uint32("worker_id", wid).Uint32("pc", pc).
		Bool("canceled", exited).Msg("query checkpointed")
	if exited || !s.ready.Enqueue(q) {
		s.retire(q)
	}
	metrics.SetReady(s.ready.Len())
	s.afterRelease(wid, next, dropped)
	return nil
}

// afterRelease completes a slot handoff on worker wid.
func (s *Scheduler) afterRelease(wid uint32, next, dropped *query.Query) {
	if dropped != nil {
		s.retire(dropped)
	}
	if next != nil {
		if w, ok := s.pool.Get(wid); ok {
			s.sendAssign(w, next)
			return
		}
	}
	metrics.SetWorkers(s.pool.Count(), s.pool.BusyCount())
	s.Kick()
	s.ready.Wake()
}

func (s *Scheduler) runningOn(wid, qid uint32) (*query.Query, error) {
	if cur, ok := s.pool.Running(wid); !ok || cur != qid {
		return nil, workers.ErrNotRunning
	}
	q, ok := s.reg.Get(qid)
	if !ok {
		return nil, ErrUnknownQuery
	}
	return q, nil
}
