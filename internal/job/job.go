// Package job defines the tracked unit of work and its lifecycle rules.
package job

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPartial,
	StatusFailed,
	StatusDone,
	StatusCanceled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// activeStatuses are the states covered by the one-active-job-per-fingerprint
// invariant. partial is soft-terminal and deliberately not included.
var activeStatuses = map[Status]struct{}{
	StatusQueued:  {},
	StatusRunning: {},
}

var terminalStatuses = map[Status]struct{}{
	StatusDone:     {},
	StatusFailed:   {},
	StatusCanceled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsActive reports whether the status occupies the fingerprint uniqueness slot.
func (s Status) IsActive() bool {
	_, ok := activeStatuses[s]
	return ok
}

// IsTerminal reports whether the status is immutable. partial reads as
// terminal to clients but is reported separately because a cacheable partial
// result may still be served.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// IsSettled reports whether the job has stopped executing: terminal or partial.
func (s Status) IsSettled() bool {
	return s.IsTerminal() || s == StatusPartial
}

// Error is the client-visible failure summary attached to failed jobs.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job represents one tracked analysis request persisted in the registry.
// Params are part of the job's identity: they feed the fingerprint and are
// persisted so a requeued job re-executes with its original inputs.
type Job struct {
	ID              string
	Fingerprint     string
	SubjectID       string
	StrategyVersion string
	Params          map[string]string
	Status          Status
	Phase           string
	Progress        float64
	Retries         int
	Cacheable       bool
	Error           *Error
	Unresolved      []string
	ResultJSON      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Clone returns a deep copy so snapshots can cross goroutine boundaries.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Params != nil {
		cp.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	if j.Error != nil {
		errCopy := *j.Error
		cp.Error = &errCopy
	}
	if j.Unresolved != nil {
		cp.Unresolved = make([]string, len(j.Unresolved))
		copy(cp.Unresolved, j.Unresolved)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// SetProgress records a new phase/progress pair. Callers are responsible for
// monotonicity; this is a plain field update.
func (j *Job) SetProgress(phase string, percent float64) {
	j.Phase = phase
	j.Progress = percent
}

// SetFailed marks the job failed with the given error summary.
func (j *Job) SetFailed(kind, message string) {
	j.Status = StatusFailed
	j.Error = &Error{Kind: kind, Message: message}
}

// SetDone marks the job done with full progress.
func (j *Job) SetDone() {
	j.Status = StatusDone
	j.Progress = 100
	j.Error = nil
}

// SetCanceled marks the job canceled.
func (j *Job) SetCanceled() {
	j.Status = StatusCanceled
	j.Error = nil
}

// SetPartial marks the job partial with the accumulated unresolved items.
func (j *Job) SetPartial(unresolved []string) {
	j.Status = StatusPartial
	j.Unresolved = unresolved
}
