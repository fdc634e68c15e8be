package ctrlsrv

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gaspardpetit/qmaster/api/control"
	"github.com/gaspardpetit/qmaster/internal/ready"
	"github.com/gaspardpetit/qmaster/internal/sched"
	"github.com/gaspardpetit/qmaster/internal/serverstate"
	"github.com/gaspardpetit/qmaster/sdk/client"
)

type harness struct {
	sched *sched.Scheduler
	disp  *Dispatcher
	url   string
}

func newHarness(t *testing.T, policy ready.Policy, opts Options) *harness {
	t.Helper()
	serverstate.UseStore(serverstate.NewMemoryStore())
	s := sched.New(sched.Options{Policy: policy, DispatchBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	d := NewDispatcher(s, opts)
	srv := httptest.NewServer(d)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.Shutdown(sctx)
		scancel()
		srv.Close()
		cancel()
		<-done
	})
	return &harness{sched: s, disp: d, url: srv.URL}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextCmd(t *testing.T, w *client.Worker) client.Command {
	t.Helper()
	select {
	case c, ok := <-w.Commands():
		if !ok {
			t.Fatalf("worker session closed")
		}
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a command")
	}
	return client.Command{}
}

func nextEvent(t *testing.T, qc *client.Control) client.Event {
	t.Helper()
	select {
	case e, ok := <-qc.Events():
		if !ok {
			t.Fatalf("qc session closed: %v", qc.Err())
		}
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return client.Event{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestPreemptionOverWebsocket(t *testing.T) {
	h := newHarness(t, ready.Priority, Options{})
	ctx := ctxT(t)
	w, err := client.DialWorker(ctx, h.url, "", 1)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer func() { _ = w.Close() }()
	waitFor(t, func() bool { return serverstate.GetState() == serverstate.StatusReady })

	slow, err := client.DialControl(ctx, h.url, "", "/data/slow", 5)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	defer func() { _ = slow.Close() }()
	first := nextCmd(t, w)
	if first.Type != control.TypeAssign || first.Path != "/data/slow" || first.PC != 0 {
		t.Fatalf("first command = %+v", first)
	}

	urgent, err := client.DialControl(ctx, h.url, "", "/data/urgent", 1)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	defer func() { _ = urgent.Close() }()
	if c := nextCmd(t, w); c.Type != control.TypePreempt || c.QueryID != first.QueryID {
		t.Fatalf("expected preempt of %d, got %+v", first.QueryID, c)
	}
	if err := w.Checkpoint(ctx, first.QueryID, 10); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	second := nextCmd(t, w)
	if second.Type != control.TypeAssign || second.Path != "/data/urgent" {
		t.Fatalf("second command = %+v", second)
	}
	_ = w.Read(ctx, second.QueryID, "row", "42")
	if e := nextEvent(t, urgent); e.Type != control.TypeRead || e.Tag != "row" || e.Content != "42" {
		t.Fatalf("urgent event = %+v", e)
	}
	_ = w.Finish(ctx, second.QueryID, control.ReasonOK)
	if e := nextEvent(t, urgent); e.Type != control.TypeFinish || e.Reason != control.ReasonOK {
		t.Fatalf("urgent finish = %+v", e)
	}
	resumed := nextCmd(t, w)
	if resumed.Type != control.TypeAssign || resumed.QueryID != first.QueryID || resumed.PC != 10 {
		t.Fatalf("resume = %+v", resumed)
	}
	_ = w.Finish(ctx, resumed.QueryID, control.ReasonOK)
	if e := nextEvent(t, slow); e.Type != control.TypeFinish {
		t.Fatalf("slow event = %+v", e)
	}
	waitFor(t, func() bool { return h.sched.Registry().Len() == 0 })
}

func TestWorkerDropFinishesQuery(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{})
	ctx := ctxT(t)
	w, err := client.DialWorker(ctx, h.url, "", 9)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	qc, err := client.DialControl(ctx, h.url, "", "/q", 0)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	defer func() { _ = qc.Close() }()
	nextCmd(t, w)
	_ = w.Abort()
	if e := nextEvent(t, qc); e.Type != control.TypeFinish || e.Reason != control.ReasonWorkerDisconnected {
		t.Fatalf("event = %+v", e)
	}
	waitFor(t, func() bool { return h.sched.Pool().Count() == 0 && h.sched.Registry().Len() == 0 })
	waitFor(t, func() bool { return serverstate.GetState() == serverstate.StatusNotReady })
}

func TestControlDisconnectCancelsQuery(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{})
	ctx := ctxT(t)
	w, err := client.DialWorker(ctx, h.url, "", 1)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer func() { _ = w.Close() }()
	qc, err := client.DialControl(ctx, h.url, "", "/q", 0)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	a := nextCmd(t, w)
	_ = qc.Close()
	if c := nextCmd(t, w); c.Type != control.TypePreempt || c.QueryID != a.QueryID {
		t.Fatalf("expected preempt, got %+v", c)
	}
	_ = w.Checkpoint(ctx, a.QueryID, 3)
	waitFor(t, func() bool { return h.sched.Registry().Len() == 0 })
	if h.sched.Ready().Len() != 0 {
		t.Fatalf("canceled query went back to the ready set")
	}
	rec, err := h.sched.Lookup(ctx, a.QueryID)
	if err != nil || rec.State != "EXIT" || rec.PC != 3 {
		t.Fatalf("archived = %+v err=%v", rec, err)
	}
}

func TestHelloRejections(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{ClientKey: "secret"})
	ctx := ctxT(t)
	if _, err := client.DialWorker(ctx, h.url, "wrong", 1); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("wrong key err = %v", err)
	}
	if _, err := client.DialWorker(ctx, h.url, "", 1); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("missing key err = %v", err)
	}

	u, _ := client.ConnectURL(h.url)
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = wsjson.Write(ctx, c, control.HelloMessage{Type: control.TypeHello, Role: "observer", ClientKey: "secret"})
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("unknown role err = %v", err)
	}

	w, err := client.DialWorker(ctx, h.url, "secret", 1)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer func() { _ = w.Close() }()
	if _, err := client.DialWorker(ctx, h.url, "secret", 1); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("duplicate id err = %v", err)
	}
	if h.sched.Pool().Count() != 1 {
		t.Fatalf("pool count = %d", h.sched.Pool().Count())
	}
}

func TestMessageAfterSubmitIsProtocolError(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{})
	ctx := ctxT(t)
	u, _ := client.ConnectURL(h.url)
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	_ = wsjson.Write(ctx, c, control.HelloMessage{Type: control.TypeHello, Role: control.RoleQueryControl})
	_ = wsjson.Write(ctx, c, control.SubmitMessage{Type: control.TypeSubmit, Path: "/q", Priority: 1})
	var ack control.AckMessage
	if err := wsjson.Read(ctx, c, &ack); err != nil || ack.Type != control.TypeAck {
		t.Fatalf("ack = %+v err=%v", ack, err)
	}
	_ = wsjson.Write(ctx, c, control.SubmitMessage{Type: control.TypeSubmit, Path: "/again", Priority: 1})
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, func() bool { return h.sched.Registry().Len() == 0 })
}

func TestMalformedWorkerFrameClosesSession(t *testing.T) {
	frames := map[string]string{
		"not json":     `not json`,
		"unknown type": `{"type":"bogus"}`,
		"bad finish":   `{"type":"finish","query_id":"x"}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, ready.FIFO, Options{})
			ctx := ctxT(t)
			u, _ := client.ConnectURL(h.url)
			c, _, err := websocket.Dial(ctx, u, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer func() { _ = c.CloseNow() }()
			_ = wsjson.Write(ctx, c, control.HelloMessage{Type: control.TypeHello, Role: control.RoleWorker})
			_ = wsjson.Write(ctx, c, control.IdentifyMessage{Type: control.TypeIdentify, WorkerID: 9})
			var ack control.AckMessage
			if err := wsjson.Read(ctx, c, &ack); err != nil || ack.Type != control.TypeAck {
				t.Fatalf("ack = %+v err=%v", ack, err)
			}
			qc, err := client.DialControl(ctx, h.url, "", "/q", 0)
			if err != nil {
				t.Fatalf("dial qc: %v", err)
			}
			defer func() { _ = qc.Close() }()
			var a control.AssignMessage
			if err := wsjson.Read(ctx, c, &a); err != nil || a.Type != control.TypeAssign {
				t.Fatalf("assign = %+v err=%v", a, err)
			}

			if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("err = %v", err)
			}
			if e := nextEvent(t, qc); e.Type != control.TypeFinish || e.Reason != control.ReasonWorkerDisconnected {
				t.Fatalf("event = %+v", e)
			}
			waitFor(t, func() bool { return h.sched.Pool().Count() == 0 && h.sched.Registry().Len() == 0 })
			if _, ok := h.sched.Pool().Get(9); ok {
				t.Fatalf("worker 9 still registered")
			}
		})
	}
}

func TestDrainingRefusesQueryControl(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{})
	ctx := ctxT(t)
	serverstate.StartDrain()
	defer serverstate.UseStore(serverstate.NewMemoryStore())
	if _, err := client.DialControl(ctx, h.url, "", "/q", 0); websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("err = %v", err)
	}
	w, err := client.DialWorker(ctx, h.url, "", 4)
	if err != nil {
		t.Fatalf("workers may still join while draining: %v", err)
	}
	_ = w.Close()
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, ready.FIFO, Options{})
	ctx := ctxT(t)
	w, err := client.DialWorker(ctx, h.url, "", 1)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	waitFor(t, func() bool { return h.disp.Sessions() == 1 })
	if err := h.disp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case _, ok := <-w.Commands():
		if ok {
			t.Fatalf("unexpected command")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("worker session not closed")
	}
	if h.disp.Sessions() != 0 || h.sched.Pool().Count() != 0 {
		t.Fatalf("sessions=%d workers=%d", h.disp.Sessions(), h.sched.Pool().Count())
	}
}
