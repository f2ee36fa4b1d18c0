package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

// sseKeepalive is the interval of comment frames sent on an idle stream.
const sseKeepalive = 15 * time.Second

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribing before the status check means a job finishing in between
	// is seen as terminal or closes ch.
	ch, unsub := s.orch.Broker().Subscribe(id)
	defer unsub()

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)

	if model.IsTerminal(job.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", job.Status)
		return
	}

	// Load tests routinely outlast the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn("clear write deadline for SSE", "job_id", id, "error", err)
	}

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		var err error
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", s.finalStatus(r.Context(), id))
				_ = rc.Flush()
				return
			}
			err = writeSSEData(w, line)
		case <-keepalive.C:
			_, err = fmt.Fprint(w, ": keepalive\n\n")
		case <-r.Context().Done():
			return
		}
		if err != nil {
			return
		}
		_ = rc.Flush()
	}
}

// finalStatus is the status reported in a stream's done event.
func (s *Server) finalStatus(ctx context.Context, id string) string {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.logger.Warn("get job for done event", "job_id", id, "error", err)
		return "unknown"
	}
	return job.Status
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"createdAt"`
}

// logHistoryResponse is the JSON response for GET /v1/jobs/{id}/logs/history.
type logHistoryResponse struct {
	JobID string           `json:"jobId"`
	Lines []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		s.logger.Error("get job for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		JobID: id,
		Lines: lines,
	})
}

// writeSSEData writes a log line as an SSE data event, one "data:" prefix per
// embedded line.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
