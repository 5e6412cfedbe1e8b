package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes v with the given status. Encoding failures are only
// loggable at this point, the status line is already gone.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes the error body. detail may be empty. Internal
// errors must pass a generic detail; the cause belongs in the log.
func writeError(w http.ResponseWriter, status int, short, detail string) {
	writeJSON(w, status, errorBody{Error: short, Detail: detail})
}

// writeInternal logs the cause and responds with a generic 500.
func writeInternal(w http.ResponseWriter, what string, err error) {
	slog.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error", "")
}
