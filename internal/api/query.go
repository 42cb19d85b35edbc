package api

import (
	"net/http"
	"strings"

	"github.com/noetl/noetl-sub018/internal/apperr"
)

type queryRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// handleQuery implements POST /query (spec §6): a safe, read-only SELECT
// over the event log views. Anything other than a single SELECT or WITH
// statement is rejected before it ever reaches the pool.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", "malformed request body")
		return
	}
	if err := validateReadOnly(req.SQL); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidResource", err.Error())
		return
	}

	rows, err := s.pool.Query(r.Context(), req.SQL, req.Args...)
	if err != nil {
		s.writeAppError(w, apperr.Wrap(apperr.KindTransientStorage, "api: query", err))
		return
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			s.writeAppError(w, apperr.Wrap(apperr.KindTransientStorage, "api: scan query row", err))
			return
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		s.writeAppError(w, apperr.Wrap(apperr.KindTransientStorage, "api: query rows", err))
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// validateReadOnly rejects anything that is not a single SELECT/WITH
// statement — no multi-statement batches, no mutating keywords.
func validateReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return apperr.New(apperr.KindInvalidResource, "api: sql is required")
	}
	if strings.Contains(strings.TrimRight(trimmed, ";"), ";") {
		return apperr.New(apperr.KindInvalidResource, "api: only a single statement is allowed")
	}
	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return apperr.New(apperr.KindInvalidResource, "api: only SELECT/WITH statements are allowed")
	}
	for _, kw := range []string{"insert ", "update ", "delete ", "drop ", "alter ", "truncate ", "grant ", "create "} {
		if strings.Contains(lowered, kw) {
			return apperr.New(apperr.KindInvalidResource, "api: mutating statements are not allowed")
		}
	}
	return nil
}
