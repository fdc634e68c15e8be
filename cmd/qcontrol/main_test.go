package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gaspardpetit/qmaster/api/control"
	"github.com/gaspardpetit/qmaster/internal/ctrlsrv"
	"github.com/gaspardpetit/qmaster/internal/ready"
	"github.com/gaspardpetit/qmaster/internal/sched"
	"github.com/gaspardpetit/qmaster/sdk/client"
)

func TestParseArgs(t *testing.T) {
	path, prio, err := parseArgs([]string{"/data/q.sql", "3"})
	if err != nil || path != "/data/q.sql" || prio != 3 {
		t.Fatalf("parseArgs = %q %d %v", path, prio, err)
	}
	for _, args := range [][]string{{"/q"}, {"/q", "-1"}, {"/q", "high"}, {"/q", "1", "2"}} {
		if _, _, err := parseArgs(args); err == nil {
			t.Fatalf("parseArgs(%v) succeeded", args)
		}
	}
}

func startMaster(t *testing.T) (string, *ctrlsrv.Dispatcher) {
	t.Helper()
	s := sched.New(sched.Options{Policy: ready.FIFO, DispatchBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	d := ctrlsrv.NewDispatcher(s, ctrlsrv.Options{})
	ts := httptest.NewServer(d)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.Shutdown(sctx)
		scancel()
		ts.Close()
		cancel()
	})
	return ts.URL, d
}

func TestFollowUntilFinish(t *testing.T) {
	url, _ := startMaster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := client.DialWorker(ctx, url, "", 1)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer func() { _ = w.Close() }()
	qc, err := client.DialControl(ctx, url, "", "/q", 1)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	defer func() { _ = qc.Close() }()
	go func() {
		cmd := <-w.Commands()
		_ = w.Read(ctx, cmd.QueryID, "row", "1")
		_ = w.Finish(ctx, cmd.QueryID, control.ReasonOK)
	}()
	reason, err := follow(ctx, qc)
	if err != nil || reason != control.ReasonOK {
		t.Fatalf("follow = %q, %v", reason, err)
	}
}

func TestFollowReportsDroppedConnection(t *testing.T) {
	url, d := startMaster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qc, err := client.DialControl(ctx, url, "", "/q", 1)
	if err != nil {
		t.Fatalf("dial qc: %v", err)
	}
	_ = d.Shutdown(ctx)
	if _, err := follow(ctx, qc); !errors.Is(err, errDropped) {
		t.Fatalf("follow err = %v", err)
	}
}
