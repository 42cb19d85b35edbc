package api

import (
	"errors"
	"net/http"

	"github.com/noetl/noetl-sub018/internal/apperr"
)

// statusFor maps spec §7's closed error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidResource, apperr.KindInvalidEvent:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindPoison, apperr.KindPluginFailure:
		return http.StatusUnprocessableEntity
	case apperr.KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		var pf *apperr.PluginFailure
		if errors.As(err, &pf) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "Internal"
	}
	writeError(w, statusFor(err), kind, err.Error())
}
