// Package events implements the per-job progress broadcaster behind the SSE
// endpoint. A Hub fans job mutations out to any number of live subscribers
// with bounded queues, a synthetic snapshot on attach, and guaranteed
// delivery of the terminal event.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"vidatlas/internal/job"
)

// Type names a streamed event kind. The values appear verbatim in the SSE
// "event:" field.
type Type string

const (
	TypePhaseUpdate Type = "phase_update"
	TypeHeartbeat   Type = "heartbeat"
	TypeCompleted   Type = "completed"
	TypeError       Type = "error"
)

// Event is one message pushed to a job's subscribers. Only the fields
// meaningful for the event's type are serialized; see MarshalJSON.
type Event struct {
	Type     Type
	JobID    string
	Status   job.Status
	Phase    string
	Progress float64
	Error    *job.Error
	TS       time.Time
}

// Terminal reports whether the event ends the stream for its job.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

type phaseUpdateBody struct {
	JobID    string    `json:"job_id"`
	Phase    string    `json:"phase"`
	Progress float64   `json:"progress"`
	TS       time.Time `json:"ts"`
}

type heartbeatBody struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	TS     time.Time  `json:"ts"`
}

type completedBody struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Progress float64    `json:"progress"`
}

type errorBody struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Error  *job.Error `json:"error"`
}

// MarshalJSON emits the wire payload for the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypePhaseUpdate:
		return json.Marshal(phaseUpdateBody{JobID: e.JobID, Phase: e.Phase, Progress: e.Progress, TS: e.TS})
	case TypeHeartbeat:
		return json.Marshal(heartbeatBody{JobID: e.JobID, Status: e.Status, TS: e.TS})
	case TypeCompleted:
		return json.Marshal(completedBody{JobID: e.JobID, Status: e.Status, Progress: e.Progress})
	case TypeError:
		return json.Marshal(errorBody{JobID: e.JobID, Status: e.Status, Error: e.Error})
	default:
		return nil, fmt.Errorf("events: unknown event type %q", e.Type)
	}
}

// PhaseUpdate builds the progress event for the job's current phase state.
// The same shape doubles as the synthetic snapshot sent on subscribe.
func PhaseUpdate(j *job.Job) Event {
	return Event{
		Type:     TypePhaseUpdate,
		JobID:    j.ID,
		Phase:    j.Phase,
		Progress: j.Progress,
		TS:       time.Now().UTC(),
	}
}

// Heartbeat builds the keep-alive event emitted when a job produces no
// mutation for a full heartbeat interval.
func Heartbeat(jobID string, status job.Status) Event {
	return Event{
		Type:   TypeHeartbeat,
		JobID:  jobID,
		Status: status,
		TS:     time.Now().UTC(),
	}
}

// Settled builds the single terminal event for a settled job: error for
// failures, completed for everything else (done, partial, canceled).
func Settled(j *job.Job) Event {
	if j.Status == job.StatusFailed {
		var jobErr *job.Error
		if j.Error != nil {
			cp := *j.Error
			jobErr = &cp
		}
		return Event{Type: TypeError, JobID: j.ID, Status: j.Status, Error: jobErr}
	}
	return Event{Type: TypeCompleted, JobID: j.ID, Status: j.Status, Progress: j.Progress}
}
