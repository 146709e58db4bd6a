package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports readiness. A draining runner answers 503 so load
// balancers stop routing new work here during shutdown.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.runner.Draining() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "draining"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
