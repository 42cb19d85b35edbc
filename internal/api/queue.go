package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noetl/noetl-sub018/internal/queue"
)

const defaultVisibility = 30 * time.Second

type leaseRequest struct {
	WorkerID   string        `json:"worker_id"`
	N          int           `json:"n"`
	Visibility time.Duration `json:"visibility,omitempty"`
}

// handleQueueLease implements POST /queue/lease (spec §6's worker protocol).
func (s *Server) handleQueueLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	if req.WorkerID == "" || req.N <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidResource", "worker_id and a positive n are required")
		return
	}
	visibility := req.Visibility
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	items, err := s.queue.Lease(r.Context(), req.WorkerID, req.N, visibility)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type itemKeyRequest struct {
	ExecutionID int64  `json:"execution_id"`
	NodeID      string `json:"node_id"`
	WorkerID    string `json:"worker_id"`
}

// handleQueueHeartbeat implements POST /queue/heartbeat.
func (s *Server) handleQueueHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		itemKeyRequest
		Visibility time.Duration `json:"visibility,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	visibility := req.Visibility
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	key := queue.Key{ExecutionID: req.ExecutionID, NodeID: req.NodeID}
	if err := s.queue.Heartbeat(r.Context(), key, req.WorkerID, visibility); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleQueueComplete implements POST /queue/complete.
func (s *Server) handleQueueComplete(w http.ResponseWriter, r *http.Request) {
	var req itemKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	key := queue.Key{ExecutionID: req.ExecutionID, NodeID: req.NodeID}
	if err := s.queue.Complete(r.Context(), key, req.WorkerID); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type failRequest struct {
	itemKeyRequest
	Retryable bool            `json:"retryable"`
	Error     json.RawMessage `json:"error,omitempty"`
	Backoff   time.Duration   `json:"backoff,omitempty"`
}

// handleQueueFail implements POST /queue/fail.
func (s *Server) handleQueueFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	key := queue.Key{ExecutionID: req.ExecutionID, NodeID: req.NodeID}
	if err := s.queue.Fail(r.Context(), key, req.WorkerID, req.Retryable, req.Error, req.Backoff); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleQueueDeadList implements GET /queue/dead: lists poisoned items
// retained for operator inspection (the "Dead-letter inspection and
// manual requeue" supplement).
func (s *Server) handleQueueDeadList(w http.ResponseWriter, r *http.Request) {
	dead, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dead)
}

// handleQueueDeadRequeue implements POST
// /queue/dead/{execution_id}/{node_id}/requeue.
func (s *Server) handleQueueDeadRequeue(w http.ResponseWriter, r *http.Request) {
	executionID, err := strconv.ParseInt(chi.URLParam(r, "execution_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "execution_id must be an integer")
		return
	}
	nodeID := chi.URLParam(r, "node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "InvalidResource", "node_id is required")
		return
	}

	key := queue.Key{ExecutionID: executionID, NodeID: nodeID}
	if err := s.queue.Requeue(r.Context(), key); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
