package api

import (
	"encoding/json"
	"net/http"

	"github.com/noetl/noetl-sub018/internal/catalog"
)

type registerRequest struct {
	Kind    string          `json:"kind"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
	Version int             `json:"version,omitempty"`
}

type registerResponse struct {
	ID      int64 `json:"id"`
	Version int   `json:"version"`
}

// handleCatalogRegister implements POST /catalog/register (spec §6).
func (s *Server) handleCatalogRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}

	kind := catalog.Kind(req.Kind)
	if kind != catalog.KindPlaybook && kind != catalog.KindCredential {
		writeError(w, http.StatusBadRequest, "InvalidResource", "kind must be Playbook or Credential")
		return
	}

	resource, err := s.catalogs.Register(r.Context(), kind, req.Path, req.Payload, req.Version)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{ID: resource.ID, Version: resource.Version})
}
