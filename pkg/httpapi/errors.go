package httpapi

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

// statusOf maps an error kind to a status code and an error code.
func statusOf(kind core.Kind) (int, string) {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case core.KindBadRequest, core.KindMalformedToken:
		return http.StatusBadRequest, "BAD_REQUEST"
	case core.KindForbidden:
		return http.StatusForbidden, "FORBIDDEN"
	case core.KindReloadForbidden:
		return http.StatusForbidden, "RELOAD_FORBIDDEN"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": chimiddleware.GetReqID(r.Context()),
		},
	})
}
