package ctrlsrv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrBackpressure = errors.New("session send queue full")
	ErrProtocol     = errors.New("protocol error")
)

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
)

// session is one accepted websocket. Outbound frames go through a buffered
// queue drained by a single writer goroutine so callers never block on the
// network.
type session struct {
	id   uuid.UUID
	role string
	c    *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
	send   chan any
	done   chan struct{}
}

func newSession(c *websocket.Conn, log zerolog.Logger) *session {
	id := uuid.New()
	return &session{
		id:   id,
		c:    c,
		log:  log.With().Str("session_id", id.String()).Logger(),
		send: make(chan any, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send queues v for delivery. A full queue means the peer stopped reading;
// the session is torn down so the normal disconnect path reclaims its work.
func (s *session) Send(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	select {
	case s.send <- v:
		s.mu.Unlock()
		return nil
	default:
	}
	s.closeQueueLocked()
	s.mu.Unlock()
	s.log.Warn().Str("role", s.role).Msg("send queue full; dropping session")
	_ = s.c.CloseNow()
	return ErrBackpressure
}

func (s *session) closeQueueLocked() {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// stop closes the outbound queue. Frames already queued are still written.
func (s *session) stop() {
	s.mu.Lock()
	s.closeQueueLocked()
	s.mu.Unlock()
}

func (s *session) writeLoop(ctx context.Context) {
	defer close(s.done)
	for msg := range s.send {
		b, err := json.Marshal(msg)
		if err != nil {
			s.log.Error().Err(err).Msg("ws encode")
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = s.c.Write(wctx, websocket.MessageText, b)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Str("role", s.role).Msg("ws write")
			_ = s.c.CloseNow()
			for range s.send {
			}
			return
		}
	}
}

// flush stops the queue and waits for the writer to finish or ctx to end.
func (s *session) flush(ctx context.Context) {
	s.stop()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// fail closes the session with a policy violation.
func (s *session) fail(reason string) {
	s.log.Warn().Str("role", s.role).Str("reason", reason).Msg("protocol error")
	_ = s.c.Close(websocket.StatusPolicyViolation, reason)
}
