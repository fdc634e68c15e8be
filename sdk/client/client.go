// Package client implements the two client roles of the Master protocol:
// Query-Control sessions that submit a query and receive its output, and
// Worker sessions that execute assigned queries.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gaspardpetit/qmaster/api/control"
)

// ConnectPath is where the Master accepts sessions.
const ConnectPath = "/api/connect"

var ErrUnexpected = errors.New("unexpected message from master")

// ConnectURL turns a Master base address into its session URL. http and
// https schemes are mapped to ws and wss; a bare host:port gets ws.
func ConnectURL(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ConnectPath
	}
	return u.String(), nil
}

func dial(ctx context.Context, base, role, key string) (*websocket.Conn, error) {
	u, err := ConnectURL(base)
	if err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	if err := wsjson.Write(ctx, c, control.HelloMessage{Type: control.TypeHello, Role: role, ClientKey: key}); err != nil {
		_ = c.CloseNow()
		return nil, err
	}
	return c, nil
}

func awaitAck(ctx context.Context, c *websocket.Conn) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	var ack control.AckMessage
	if err := control.Decode(data, control.TypeAck, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	return nil
}

// Event is a message relayed to a Query-Control session.
type Event struct {
	Type    string
	Tag     string
	Content string
	Reason  string
}

// Control is a Query-Control session bound to one submitted query.
type Control struct {
	c      *websocket.Conn
	events chan Event

	mu  sync.Mutex
	err error
}

// DialControl opens a Query-Control session, submits path at priority and
// waits for the acknowledgement.
func DialControl(ctx context.Context, base, key, path string, priority uint32) (*Control, error) {
	c, err := dial(ctx, base, control.RoleQueryControl, key)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, c, control.SubmitMessage{Type: control.TypeSubmit, Path: path, Priority: priority}); err != nil {
		_ = c.CloseNow()
		return nil, err
	}
	if err := awaitAck(ctx, c); err != nil {
		_ = c.CloseNow()
		return nil, err
	}
	qc := &Control{c: c, events: make(chan Event, 64)}
	go qc.readLoop()
	return qc, nil
}

func (qc *Control) readLoop() {
	defer close(qc.events)
	for {
		_, data, err := qc.c.Read(context.Background())
		if err != nil {
			qc.mu.Lock()
			qc.err = err
			qc.mu.Unlock()
			return
		}
		typ, err := control.TypeOf(data)
		if err != nil {
			continue
		}
		switch typ {
		case control.TypeRead:
			var m control.ReadMessage
			if control.Decode(data, typ, &m) == nil {
				qc.events <- Event{Type: typ, Tag: m.Tag, Content: m.Content}
			}
		case control.TypeFinish:
			var m control.FinishMessage
			if control.Decode(data, typ, &m) == nil {
				qc.events <- Event{Type: typ, Reason: m.Reason}
			}
		}
	}
}

// Events delivers reads and the final finish. It is closed when the session
// ends; Err then reports why.
func (qc *Control) Events() <-chan Event { return qc.events }

func (qc *Control) Err() error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.err
}

// Close ends the session. Closing before the finish cancels the query.
func (qc *Control) Close() error { return qc.c.Close(websocket.StatusNormalClosure, "") }

// Command is an instruction sent by the Master to a worker.
type Command struct {
	Type    string
	QueryID uint32
	PC      uint32
	Path    string
}

// Worker is a worker session.
type Worker struct {
	ID   uint32
	c    *websocket.Conn
	cmds chan Command
}

// DialWorker opens a worker session and identifies as id.
func DialWorker(ctx context.Context, base, key string, id uint32) (*Worker, error) {
	c, err := dial(ctx, base, control.RoleWorker, key)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, c, control.IdentifyMessage{Type: control.TypeIdentify, WorkerID: id}); err != nil {
		_ = c.CloseNow()
		return nil, err
	}
	if err := awaitAck(ctx, c); err != nil {
		_ = c.CloseNow()
		return nil, err
	}
	w := &Worker{ID: id, c: c, cmds: make(chan Command, 64)}
	go w.readLoop()
	return w, nil
}

func (w *Worker) readLoop() {
	defer close(w.cmds)
	for {
		_, data, err := w.c.Read(context.Background())
		if err != nil {
			return
		}
		typ, err := control.TypeOf(data)
		if err != nil {
			continue
		}
		switch typ {
		case control.TypeAssign:
			var m control.AssignMessage
			if control.Decode(data, typ, &m) == nil {
				w.cmds <- Command{Type: typ, QueryID: m.QueryID, PC: m.PC, Path: m.Path}
			}
		case control.TypePreempt:
			var m control.PreemptMessage
			if control.Decode(data, typ, &m) == nil {
				w.cmds <- Command{Type: typ, QueryID: m.QueryID}
			}
		}
	}
}

// Commands delivers assign and preempt commands until the session ends.
func (w *Worker) Commands() <-chan Command { return w.cmds }

func (w *Worker) Read(ctx context.Context, queryID uint32, tag, content string) error {
	return wsjson.Write(ctx, w.c, control.WorkerReadMessage{Type: control.TypeRead, QueryID: queryID, Tag: tag, Content: content})
}

func (w *Worker) Finish(ctx context.Context, queryID uint32, reason string) error {
	return wsjson.Write(ctx, w.c, control.WorkerFinishMessage{Type: control.TypeFinish, QueryID: queryID, Reason: reason})
}

func (w *Worker) Checkpoint(ctx context.Context, queryID, pc uint32) error {
	return wsjson.Write(ctx, w.c, control.CheckpointMessage{Type: control.TypeCheckpoint, QueryID: queryID, PC: pc})
}

func (w *Worker) Close() error { return w.c.Close(websocket.StatusNormalClosure, "") }

// Abort drops the connection without a close handshake.
func (w *Worker) Abort() error { return w.c.CloseNow() }
