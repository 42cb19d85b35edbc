package api

import (
	"encoding/json"
	"net/http"

	"github.com/noetl/noetl-sub018/internal/render"
)

type renderRequest struct {
	Task json.RawMessage `json:"task"`
	render.Scope
}

// handleContextRender implements POST /context/render (spec §6's "worker
// helper"): exposes the Context Renderer as a standalone endpoint for
// external tooling and debugging — the broker itself calls render.Render
// in-process when it enqueues a job.
func (s *Server) handleContextRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}

	rendered, err := render.Render(req.Task, req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(rendered))
}
