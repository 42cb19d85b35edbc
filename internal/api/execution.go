package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/event"
)

type executeRequest struct {
	Path    string          `json:"path"`
	Version *int            `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type executeResponse struct {
	ExecutionID int64 `json:"execution_id"`
}

// handleExecute implements POST /execute (spec §6): resolves the playbook
// at the requested (path, version), inserts the execution row, and emits
// execution_started. The broker's LISTEN/NOTIFY subscriber, not this
// handler, advances the state machine from there.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "InvalidResource", "path is required")
		return
	}

	resource, err := s.catalogs.Get(r.Context(), req.Path, req.Version)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	executionID := s.ids.Next()
	if _, err := s.pool.Exec(r.Context(), `
		INSERT INTO executions (execution_id, catalog_id, path, version, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		executionID, resource.ID, resource.Path, resource.Version, nullableJSON(req.Payload)); err != nil {
		s.writeAppError(w, apperr.Wrap(apperr.KindTransientStorage, "api: insert execution", err))
		return
	}

	if _, err := s.events.Emit(r.Context(), &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeExecutionStarted,
		Context:     req.Payload,
		CatalogID:   strconv.FormatInt(resource.ID, 10),
	}); err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{ExecutionID: executionID})
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func parseExecutionID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

type executionStatusResponse struct {
	Status       string   `json:"status"`
	CurrentSteps []string `json:"current_steps"`
	LastEventID  int64    `json:"last_event_id"`
}

// handleGetExecution implements GET /execution/{id} (spec §6).
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseExecutionID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution id must be an integer")
		return
	}

	snap, err := s.events.GetSnapshot(r.Context(), executionID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	var running []string
	for nodeID, step := range snap.Steps {
		if step.Status == "running" {
			running = append(running, nodeID)
		}
	}

	writeJSON(w, http.StatusOK, executionStatusResponse{
		Status:       snap.Status,
		CurrentSteps: running,
		LastEventID:  snap.LastEventID,
	})
}

// handleGetEvents implements GET /execution/{id}/events?since=… (spec §6).
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseExecutionID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution id must be an integer")
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.events.Stream(r.Context(), executionID, since)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream implements GET /execution/{id}/stream: a live tail of new
// events over a websocket, polling the event log for entries past the
// highest event_id already sent. Grounded on r3e-network-service_layer's
// gorilla/websocket usage for its own live-update channels.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseExecutionID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution id must be an integer")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	var since int64
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.events.Stream(ctx, executionID, since)
			if err != nil {
				return
			}
			for _, ev := range events {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				since = ev.EventID
			}
		}
	}
}

// handleCancel implements POST /execution/{id}/cancel (spec §5): emits a
// cancel marker the broker reacts to by refusing further transitions and
// propagating failure to outstanding iterator items.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseExecutionID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution id must be an integer")
		return
	}

	if _, err := s.events.Emit(r.Context(), &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeCancel,
		Status:      event.StatusCancelled,
	}); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRebuild implements the "Snapshot rebuild" supplement: POST
// /execution/{id}/rebuild forces the snapshot to be recomputed from the
// event log from scratch, per spec §4.1's "every other table is derived
// and may be rebuilt."
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseExecutionID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution id must be an integer")
		return
	}

	snap, err := s.events.GetSnapshot(r.Context(), executionID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
