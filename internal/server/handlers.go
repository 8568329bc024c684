package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"vidatlas/internal/api"
	"vidatlas/internal/faults"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
)

// handleAnalyses admits an analysis request. Cache hits answer 200 with the
// payload inline; new and attached jobs answer 202.
func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	adm, err := s.deps.Dispatcher.Admit(r.Context(), pipeline.Request{
		SubjectID: req.SubjectID,
		Params:    req.Params,
	})
	if err != nil {
		if faults.Classify(err) == faults.KindDeterministic {
			s.writeError(w, http.StatusBadRequest, faults.Message(err))
			return
		}
		s.logger.Error("admission failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "admission failed")
		return
	}

	status := http.StatusAccepted
	if adm.Cached {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.AnalysisResponse{
		JobID:  adm.JobID,
		Status: string(adm.Status),
		Cached: adm.Cached,
		Result: adm.Payload,
	})
}

// handleJobs lists jobs, optionally filtered by ?status=.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var statuses []job.Status
	for _, value := range r.URL.Query()["status"] {
		if strings.TrimSpace(value) == "" {
			continue
		}
		parsed, ok := job.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, parsed)
	}

	jobs, err := s.deps.Store.List(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("job list failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job list failed")
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
}

// handleJobResource routes /api/jobs/{id}[/verb] to the matching handler.
func (s *Server) handleJobResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(verb, "/") {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch verb {
	case "":
		s.handleJobSnapshot(w, r, id)
	case "events":
		s.handleJobEvents(w, r, id)
	case "result":
		s.handleJobResult(w, r, id)
	case "cancel":
		s.handleJobCancel(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "job not found")
	}
}

// handleJobSnapshot is the polling endpoint. It sits behind the global rate
// limiter; clients that need more than the limit should use the SSE stream.
func (s *Server) handleJobSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "polling rate limit exceeded")
		return
	}

	j, err := s.deps.Store.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("job lookup failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if j == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(j))
}

// handleJobResult serves the settled payload. The registry row is the
// primary source; the cache answers when the row's payload is gone.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	j, err := s.deps.Store.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("job lookup failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if j == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status != job.StatusDone && j.Status != job.StatusPartial {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job has no result (status %s)", j.Status))
		return
	}

	payload := json.RawMessage(j.ResultJSON)
	if len(payload) == 0 {
		if entry, ok := s.deps.Cache.Get(j.Fingerprint); ok {
			payload = entry.Payload
		}
	}
	if len(payload) == 0 {
		s.writeError(w, http.StatusNotFound, "result payload unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, api.ResultResponse{
		JobID:      j.ID,
		Status:     string(j.Status),
		Unresolved: j.Unresolved,
		Result:     payload,
	})
}

// handleJobCancel requests cancellation. Settled jobs answer 200 unchanged;
// still-active jobs answer 202 because running jobs settle asynchronously.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	j, err := s.deps.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("cancel failed", logging.String(logging.FieldJobID, id), logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if j == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	status := http.StatusAccepted
	if j.Status.IsSettled() {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.FromJob(j))
}

// handleStatus reports engine liveness and resource counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st, err := s.deps.Dispatcher.Status(r.Context())
	if err != nil {
		s.logger.Error("status collection failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "status collection failed")
		return
	}

	s.writeJSON(w, http.StatusOK, api.EngineStatus{
		Running:      st.Running,
		PID:          os.Getpid(),
		Version:      s.deps.Version,
		PoolSize:     st.PoolSize,
		ActiveJobs:   st.ActiveJobs,
		Jobs:         api.StatusCounts(st.Jobs),
		CacheEntries: st.CacheEntries,
		Subscribers:  st.Subscribers,
		RegistryPath: s.cfg.Registry.Path,
		CachePath:    s.cfg.Cache.Path,
	})
}
