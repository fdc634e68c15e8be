// Package control defines the JSON envelopes exchanged over a Master
// websocket session. Every frame carries a "type" discriminator.
package control

import (
	"encoding/json"
	"fmt"
)

// Session roles announced in the hello handshake.
const (
	RoleQueryControl = "query_control"
	RoleWorker       = "worker"
)

// Message type discriminators.
const (
	TypeHello      = "hello"
	TypeAck        = "ack"
	TypeSubmit     = "submit"
	TypeIdentify   = "identify"
	TypeAssign     = "assign"
	TypePreempt    = "preempt"
	TypeRead       = "read"
	TypeFinish     = "finish"
	TypeCheckpoint = "checkpoint"
)

// Finish reasons produced by the Master itself. Worker reasons are relayed
// verbatim.
const (
	ReasonOK                 = "OK"
	ReasonWorkerDisconnected = "ERROR_WORKER_DISCONNECTED"
)

// Envelope is decoded first to route a frame by its type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage is the first frame of every session.
type HelloMessage struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	ClientKey string `json:"client_key,omitempty"`
}

// AckMessage acknowledges a hello+submit or an identify.
type AckMessage struct {
	Type string `json:"type"`
}

// SubmitMessage admits a new query (Query-Control -> Master).
type SubmitMessage struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Priority uint32 `json:"priority"`
}

// IdentifyMessage registers a worker (Worker -> Master).
type IdentifyMessage struct {
	Type     string `json:"type"`
	WorkerID uint32 `json:"worker_id"`
}

// AssignMessage begins or resumes a query on a worker (Master -> Worker).
type AssignMessage struct {
	Type    string `json:"type"`
	QueryID uint32 `json:"query_id"`
	PC      uint32 `json:"pc"`
	Path    string `json:"path"`
}

// PreemptMessage asks a worker to suspend and checkpoint a query.
type PreemptMessage struct {
	Type    string `json:"type"`
	QueryID uint32 `json:"query_id"`
}

// WorkerReadMessage is a read result emitted by a worker.
type WorkerReadMessage struct {
	Type    string `json:"type"`
	QueryID uint32 `json:"query_id"`
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// WorkerFinishMessage terminates a query on a worker.
type WorkerFinishMessage struct {
	Type    string `json:"type"`
	QueryID uint32 `json:"query_id"`
	Reason  string `json:"reason"`
}

// CheckpointMessage reports a saved resumption point after preemption.
type CheckpointMessage struct {
	Type    string `json:"type"`
	QueryID uint32 `json:"query_id"`
	PC      uint32 `json:"pc"`
}

// ReadMessage relays a worker read to the Query-Control session.
type ReadMessage struct {
	Type    string `json:"type"`
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// FinishMessage relays the terminal reason to the Query-Control session.
type FinishMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func Ack() AckMessage { return AckMessage{Type: TypeAck} }

func Assign(queryID, pc uint32, path string) AssignMessage {
	return AssignMessage{Type: TypeAssign, QueryID: queryID, PC: pc, Path: path}
}

func Preempt(queryID uint32) PreemptMessage {
	return PreemptMessage{Type: TypePreempt, QueryID: queryID}
}

func Read(tag, content string) ReadMessage {
	return ReadMessage{Type: TypeRead, Tag: tag, Content: content}
}

func Finish(reason string) FinishMessage {
	return FinishMessage{Type: TypeFinish, Reason: reason}
}

// Decode unmarshals data into v after checking that the envelope type matches
// want.
func Decode(data []byte, want string, v any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != want {
		return fmt.Errorf("unexpected message type %q, want %q", env.Type, want)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// TypeOf returns the type discriminator of a raw frame.
func TypeOf(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
