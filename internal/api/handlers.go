package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// handleHealthz handles GET /healthz (no auth). Cheap by contract: it reads
// one atomic snapshot and nothing else.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connected:     st.Connected,
		BusyWorkers:   st.BusyWorkers,
	})
}

// handleStatus handles GET /status: the full agent snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

// handleRecentJobs handles GET /jobs/recent?limit=N.
func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	if s.jnl == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxRecentLimit {
			n = maxRecentLimit
		}
		limit = n
	}

	entries, err := s.jnl.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal read failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleJob handles GET /jobs/{jobID}: every journal entry for one job,
// oldest first. A job can have several entries, e.g. an orphan report
// followed by its late real outcome.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.jnl == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	entries, err := s.jnl.ForJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("journal read failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	if len(entries) == 0 {
		s.writeError(w, http.StatusNotFound, "no journal entries for job")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
