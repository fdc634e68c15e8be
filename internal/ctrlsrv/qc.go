package ctrlsrv

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/qmaster/api/control"
)

// serveControl runs a Query-Control session: one submit, then nothing but
// the disconnect. Closing the session cancels the query.
func (d *Dispatcher) serveControl(ctx context.Context, s *session, remote string) {
	log := s.log.With().Str("remote", remote).Logger()
	log.Info().Int("workers", d.sched.Pool().Count()).Msg("qc connected")

	_, data, err := s.c.Read(ctx)
	if err != nil {
		log.Info().Err(err).Msg("qc disconnected")
		return
	}
	var m control.SubmitMessage
	if err := control.Decode(data, control.TypeSubmit, &m); err != nil {
		s.fail("expected submit")
		return
	}
	// The ack is queued before admission so it precedes any relayed read.
	if err := s.Send(control.Ack()); err != nil {
		return
	}
	q, err := d.sched.Submit(m.Path, m.Priority, s)
	if err != nil {
		_ = s.c.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	log = log.With().Uint32("query_id", q.ID).Logger()

	_, _, err = s.c.Read(ctx)
	if err == nil {
		s.fail("unexpected message after submit")
		err = ErrProtocol
	}
	d.sched.ControlGone(q)
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		log.Info().Msg("qc disconnected")
		return
	}
	log.Info().Err(err).Msg("qc disconnected")
}
