package kernel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

const maxBodyBytes = 1 << 20

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}

// POST /v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	job, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GET /v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.ListJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// POST /v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if s.engine.Cancel(r.Context(), id) {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": true})
		return
	}

	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusConflict, errorResponse{
		Error: "job cannot be cancelled in status " + string(job.Status),
		Code:  "not_cancellable",
	})
}

// POST /v1/jobs/{id}/recover
func (s *Server) handleRecoverJob(w http.ResponseWriter, r *http.Request) {
	opts := domain.DefaultRecoveryOptions()
	if err := decodeBody(w, r, &opts); err != nil {
		badRequest(w, "invalid recovery options: "+err.Error())
		return
	}

	plan, err := s.engine.Recover(r.Context(), domain.JobID(r.PathValue("id")), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !plan.CanRecover {
		writeJSON(w, http.StatusConflict, plan)
		return
	}
	writeJSON(w, http.StatusAccepted, plan)
}

// GET /v1/jobs/{id}/checkpoints
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if _, err := s.engine.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	checkpoints, err := s.engine.Checkpoints(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []domain.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

// GET /v1/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetMetrics())
}

// POST /v1/circuit-breaker/reset
func (s *Server) handleResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("circuit breaker reset requested", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.engine.ResetCircuitBreaker())
}

// GET /v1/resources
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resources.Latest())
}

// GET /v1/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Statistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
