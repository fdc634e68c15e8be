package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/qmaster/core/logx"
	"github.com/gaspardpetit/qmaster/internal/sched"
	"github.com/gaspardpetit/qmaster/internal/serverstate"
)

// StreamInterval is the period of the SSE state stream.
var StreamInterval = 2 * time.Second

// State is the document served by /api/state.
type State struct {
	Status      string    `json:"status"`
	Draining    bool      `json:"draining"`
	LiveQueries int64     `json:"live_queries"`
	Sessions    int       `json:"sessions"`
	GeneratedAt time.Time `json:"generated_at"`
	Host        *HostInfo `json:"host,omitempty"`
	sched.Snapshot
}

// StateHandler serves state snapshots, the SSE stream and query lookups.
type StateHandler struct {
	Sched    *sched.Scheduler
	Sessions func() int
	Host     func() *HostInfo
}

func (h *StateHandler) snapshot() State {
	st := State{
		Status:      serverstate.GetState(),
		Draining:    serverstate.IsDraining(),
		LiveQueries: h.Sched.Inflight().Load(),
		GeneratedAt: time.Now().UTC(),
		Snapshot:    h.Sched.Snapshot(),
	}
	if h.Sessions != nil {
		st.Sessions = h.Sessions()
	}
	if h.Host != nil {
		st.Host = h.Host()
	}
	return st
}

// GetHealthz reports the server state. It answers 200 unless the state
// store cannot be read.
func (h *StateHandler) GetHealthz(w http.ResponseWriter, r *http.Request) {
	status := serverstate.GetState()
	code := http.StatusOK
	if status == serverstate.StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// GetState returns a JSON snapshot.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	send := func() bool {
		b, err := json.Marshal(h.snapshot())
		if err != nil {
			logx.Log.Error().Err(err).Msg("encode state")
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}
	ticker := time.NewTicker(StreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// GetQuery returns the live record of a query, else its archived record.
func (h *StateHandler) GetQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}
	rec, err := h.Sched.Lookup(r.Context(), uint32(id))
	switch {
	case errors.Is(err, sched.ErrUnknownQuery):
		writeError(w, http.StatusNotFound, "query not found")
	case err != nil:
		logx.Log.Error().Err(err).Uint64("query_id", id).Msg("lookup query")
		writeError(w, http.StatusInternalServerError, "lookup failed")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
