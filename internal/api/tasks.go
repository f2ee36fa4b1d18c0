package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/token"
)

// taskSuccessRequest is the worker's "send success" call.
type taskSuccessRequest struct {
	TaskToken string          `json:"taskToken"`
	Output    json.RawMessage `json:"output"`
}

// taskFailureRequest is the worker's "send failure" call.
type taskFailureRequest struct {
	TaskToken string `json:"taskToken"`
	Cause     string `json:"cause"`
}

type taskResponse struct {
	Result token.Result `json:"result"`
}

func (s *Server) handleTaskSuccess(w http.ResponseWriter, r *http.Request) {
	var req taskSuccessRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskToken == "" {
		s.writeError(w, http.StatusBadRequest, "taskToken is required")
		return
	}

	s.redeem(w, r, req.TaskToken, model.Success(req.Output))
}

func (s *Server) handleTaskFailure(w http.ResponseWriter, r *http.Request) {
	var req taskFailureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskToken == "" {
		s.writeError(w, http.StatusBadRequest, "taskToken is required")
		return
	}

	s.redeem(w, r, req.TaskToken, model.Failure(req.Cause))
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request, value string, outcome model.Outcome) {
	res, err := s.orch.Redeem(r.Context(), value, outcome)
	if err != nil {
		s.logger.Error("redeem task token", "outcome", outcome.Kind, "result", res, "error", err)
		if res == "" {
			s.writeError(w, http.StatusInternalServerError, "failed to redeem task token")
			return
		}
	}

	if res == token.Unknown {
		s.writeError(w, http.StatusNotFound, "unknown task token")
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse{Result: res})
}
