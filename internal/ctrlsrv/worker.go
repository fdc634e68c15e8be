package ctrlsrv

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/qmaster/api/control"
)

// serveWorker runs a Worker session: identify, then read, finish and
// checkpoint events until the connection drops. Any other frame is a protocol
// error that closes the session, and the disconnect path reclaims its work.
func (d *Dispatcher) serveWorker(ctx context.Context, s *session, remote string) {
	_, data, err := s.c.Read(ctx)
	if err != nil {
		s.log.Info().Err(err).Str("remote", remote).Msg("worker disconnected before identify")
		return
	}
	var id control.IdentifyMessage
	if err := control.Decode(data, control.TypeIdentify, &id); err != nil {
		s.fail("expected identify")
		return
	}
	if _, exists := d.sched.Pool().Get(id.WorkerID); exists {
		s.fail("duplicate worker id")
		return
	}
	// Ack first: registration may trigger an assign right away.
	if err := s.Send(control.Ack()); err != nil {
		return
	}
	if _, err := d.sched.RegisterWorker(id.WorkerID, s); err != nil {
		s.fail("duplicate worker id")
		return
	}
	wid := id.WorkerID
	log := s.log.With().Uint32("worker_id", wid).Str("remote", remote).Logger()
	defer d.sched.WorkerGone(wid)

	for {
		_, msg, err := s.c.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				log.Debug().Msg("worker session closed")
			} else {
				log.Debug().Err(err).Msg("worker session closed")
			}
			return
		}
		typ, err := control.TypeOf(msg)
		if err != nil {
			s.fail("malformed message")
			return
		}
		switch typ {
		case control.TypeRead:
			var m control.WorkerReadMessage
			if err := control.Decode(msg, typ, &m); err != nil {
				s.fail("malformed read")
				return
			}
			_ = d.sched.Read(wid, m.QueryID, m.Tag, m.Content)
		case control.TypeFinish:
			var m control.WorkerFinishMessage
			if err := control.Decode(msg, typ, &m); err != nil {
				s.fail("malformed finish")
				return
			}
			_ = d.sched.Finish(wid, m.QueryID, m.Reason)
		case control.TypeCheckpoint:
			var m control.CheckpointMessage
			if err := control.Decode(msg, typ, &m); err != nil {
				s.fail("malformed checkpoint")
				return
			}
			_ = d.sched.Checkpoint(wid, m.QueryID, m.PC)
		default:
			log.Debug().Str("type", typ).Msg("ws unexpected message type")
			s.fail("unexpected message type")
			return
		}
	}
}
