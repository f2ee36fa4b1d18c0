package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"activeJobs"`
}

// handleHealthz reports liveness and the number of jobs with a live workflow.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		ActiveJobs: s.orch.Active(),
	})
}
