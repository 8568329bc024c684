package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a job record in a transport-friendly format.
type JobView struct {
	JobID           string    `json:"job_id"`
	SubjectID       string    `json:"subject_id"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
	StrategyVersion string    `json:"strategy_version,omitempty"`
	Status          string    `json:"status"`
	Phase           string    `json:"phase,omitempty"`
	Progress        float64   `json:"progress"`
	Retries         int       `json:"retries,omitempty"`
	Cacheable       bool      `json:"cacheable"`
	Error           *JobError `json:"error,omitempty"`
	Unresolved      []string  `json:"unresolved,omitempty"`
	CreatedAt       string    `json:"created_at,omitempty"`
	UpdatedAt       string    `json:"updated_at,omitempty"`
	StartedAt       string    `json:"started_at,omitempty"`
	FinishedAt      string    `json:"finished_at,omitempty"`
}

// JobError is the client-visible failure summary.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisRequest is the submit payload.
type AnalysisRequest struct {
	SubjectID string            `json:"subject_id"`
	Params    map[string]string `json:"params,omitempty"`
}

// AnalysisResponse answers a submit call. Result rides along on cache hits
// so those clients never need to poll.
type AnalysisResponse struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Cached bool            `json:"cached"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobListResponse wraps a collection of job views.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// ResultResponse serves a settled job's analysis payload.
type ResultResponse struct {
	JobID      string          `json:"job_id"`
	Status     string          `json:"status"`
	Unresolved []string        `json:"unresolved,omitempty"`
	Result     json.RawMessage `json:"result"`
}

// EngineStatus aggregates daemon runtime information for API consumers.
type EngineStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	Version      string         `json:"version,omitempty"`
	PoolSize     int            `json:"pool_size"`
	ActiveJobs   int            `json:"active_jobs"`
	Jobs         map[string]int `json:"jobs"`
	CacheEntries int            `json:"cache_entries"`
	Subscribers  int            `json:"subscribers"`
	RegistryPath string         `json:"registry_path,omitempty"`
	CachePath    string         `json:"cache_path,omitempty"`
}

// ErrorResponse is the uniform error body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
