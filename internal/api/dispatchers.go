package api

import "net/http"

func (s *Server) handleListDispatchers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatchers.List())
}
