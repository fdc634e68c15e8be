// Package ctrlsrv accepts Master websocket sessions, performs the hello
// handshake and routes each session to the Query-Control or Worker handler.
package ctrlsrv

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/qmaster/api/control"
	"github.com/gaspardpetit/qmaster/core/logx"
	"github.com/gaspardpetit/qmaster/internal/metrics"
	"github.com/gaspardpetit/qmaster/internal/sched"
	"github.com/gaspardpetit/qmaster/internal/serverstate"
)

const (
	helloTimeout = 10 * time.Second
	flushTimeout = 5 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	// ClientKey, when set, must be presented in the hello frame.
	ClientKey string
	// OriginPatterns lists browser origins allowed to open sessions.
	OriginPatterns []string
}

// Dispatcher is the Connection Dispatcher. Every accepted connection gets its
// own handler goroutine; the dispatcher keeps track of them for shutdown.
type Dispatcher struct {
	sched *sched.Scheduler
	opts  Options
	log   zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closing  bool
	wg       sync.WaitGroup
}

func NewDispatcher(s *sched.Scheduler, opts Options) *Dispatcher {
	return &Dispatcher{
		sched:    s,
		opts:     opts,
		log:      logx.Component("ctrlsrv"),
		sessions: make(map[uuid.UUID]*session),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.opts.OriginPatterns})
	if err != nil {
		d.log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
		return
	}
	defer func() { _ = c.CloseNow() }()

	s := newSession(c, d.log)
	if !d.track(s) {
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer d.untrack(s)

	ctx := r.Context()
	hello, err := d.readHello(ctx, s)
	if err != nil {
		s.fail(err.Error())
		return
	}
	s.role = hello.Role
	if hello.Role == control.RoleQueryControl && serverstate.IsDraining() {
		_ = c.Close(websocket.StatusTryAgainLater, "draining")
		return
	}

	metrics.SessionOpened(s.role)
	defer metrics.SessionClosed(s.role)
	go s.writeLoop(context.Background())
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		s.flush(fctx)
		cancel()
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	switch hello.Role {
	case control.RoleQueryControl:
		d.serveControl(ctx, s, r.RemoteAddr)
	case control.RoleWorker:
		d.serveWorker(ctx, s, r.RemoteAddr)
	}
}

func (d *Dispatcher) readHello(ctx context.Context, s *session) (control.HelloMessage, error) {
	var hello control.HelloMessage
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	_, data, err := s.c.Read(hctx)
	if err != nil {
		return hello, err
	}
	if err := control.Decode(data, control.TypeHello, &hello); err != nil {
		return hello, errors.New("expected hello")
	}
	if d.opts.ClientKey == "" && hello.ClientKey != "" {
		return hello, errors.New("unauthorized")
	}
	if d.opts.ClientKey != "" && hello.ClientKey != d.opts.ClientKey {
		return hello, errors.New("unauthorized")
	}
	switch hello.Role {
	case control.RoleQueryControl, control.RoleWorker:
		return hello, nil
	default:
		return hello, errors.New("unknown role")
	}
}

func (d *Dispatcher) track(s *session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.sessions[s.id] = s
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) untrack(s *session) {
	d.mu.Lock()
	delete(d.sessions, s.id)
	d.mu.Unlock()
	d.wg.Done()
}

// Sessions returns the number of live sessions.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Shutdown refuses new sessions, closes the open ones and waits for their
// handlers to return or ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	open := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		open = append(open, s)
	}
	d.mu.Unlock()
	for _, s := range open {
		go func(s *session) { _ = s.c.Close(websocket.StatusNormalClosure, "shutting down") }(s)
	}
	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
