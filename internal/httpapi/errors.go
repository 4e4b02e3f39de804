// Package httpapi exposes spec §6's two HTTP surfaces — acquisition
// (client-facing update checks and status reports) and management
// (operator-facing app/deployment/release CRUD) — over gorilla/mux,
// grounded on cmd/service/service.go's router-plus-thin-handler shape
// (itself grounded on pkg/api's request-decode/respond pattern).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/logging"
)

// logFrom returns the request-scoped logger withRequestContext attached to
// r's context.
func logFrom(r *http.Request) zerolog.Logger {
	return logging.From(r.Context())
}

// errorBody is the JSON shape of every non-2xx response. encoding/json
// HTML-escapes string values by default, satisfying spec §7's
// "user-visible failure text is HTML-escaped" requirement without extra
// handling.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err to spec §7's status codes via apperr.HTTPStatus
// and writes a bounded JSON error body. Never echoes a raw stack trace
// or internal detail beyond err.Error(), which internal/apperr already
// keeps to operator-authored messages.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	logging.From(r.Context()).Warn().Err(err).Str("kind", string(kind)).Int("status", status).Msg("request failed")
	writeJSON(w, status, errorBody{Error: string(kind), Message: err.Error()})
}
