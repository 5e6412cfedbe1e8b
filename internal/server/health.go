package server

import "net/http"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports 503 until the storage probe passes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.engine.IsStorageReady()
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": map[string]bool{"storage": ready},
	})
}
