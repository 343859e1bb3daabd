package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"pdm-go/internal/pdm"
)

// statusFor maps an error kind to an HTTP status. A held lock answers 423
// so clients can tell it apart from the other conflicts.
func statusFor(kind string) int {
	switch kind {
	case "conflict":
		return http.StatusLocked
	case "not_locked", "stale", "exists":
		return http.StatusConflict
	case "forbidden":
		return http.StatusForbidden
	case "unauthenticated":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "invalid":
		return http.StatusBadRequest
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pdm.KindOf(err)
	status := statusFor(kind)
	body := ErrorView{Code: kind, Message: err.Error()}

	var ce *pdm.ConflictError
	if errors.As(err, &ce) {
		body.Owner = ce.Owner
		since := ce.Since
		body.Since = &since
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}

	render.Status(r, status)
	render.JSON(w, r, body)
}
