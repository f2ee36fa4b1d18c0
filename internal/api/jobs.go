package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/orchestrator"
	"github.com/seantiz/volley/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// msgMalformedInput is the fixed body message for every rejected submission.
const msgMalformedInput = "Malformed input"

// createJobRequest is the body of POST /create. Pointers tell a missing
// field apart from a zero value.
type createJobRequest struct {
	Concurrency *int    `json:"concurrency"`
	HoldFor     *string `json:"holdFor"`
	RampUp      *string `json:"rampUp"`
	Method      *string `json:"method"`
	URL         *string `json:"url"`
}

func (r createJobRequest) definition() (model.JobDefinition, bool) {
	if r.Concurrency == nil || r.HoldFor == nil || r.RampUp == nil || r.Method == nil || r.URL == nil {
		return model.JobDefinition{}, false
	}
	return model.JobDefinition{
		Concurrency: *r.Concurrency,
		HoldFor:     *r.HoldFor,
		RampUp:      *r.RampUp,
		Method:      *r.Method,
		URL:         *r.URL,
	}, true
}

type createJobResponse struct {
	ID string `json:"id"`
}

// jobResponse is a job record with its status history.
type jobResponse struct {
	*model.Job
	Transitions []model.Transition `json:"transitions"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type cancelJobRequest struct {
	Cause string `json:"cause"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, msgMalformedInput)
		return
	}
	def, ok := req.definition()
	if !ok {
		s.writeError(w, http.StatusBadRequest, msgMalformedInput)
		return
	}

	id, err := s.orch.Submit(r.Context(), def)
	if errors.Is(err, model.ErrInvalidDefinition) {
		s.logger.Debug("rejected job definition", "error", err)
		s.writeError(w, http.StatusBadRequest, msgMalformedInput)
		return
	}
	if err != nil {
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, createJobResponse{ID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	transitions, err := s.store.GetTransitions(r.Context(), id)
	if err != nil {
		s.logger.Error("get transitions", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job history")
		return
	}

	s.writeJSON(w, http.StatusOK, jobResponse{Job: job, Transitions: transitions})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	status := r.URL.Query().Get("status")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	switch status {
	case "", model.StatusScheduled, model.StatusRunning, model.StatusSucceeded, model.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}

	jobs, total, err := s.store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	err := s.orch.Cancel(r.Context(), id, req.Cause)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, orchestrator.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "job is not awaiting a callback")
		return
	case err != nil:
		s.logger.Error("cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"message": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
