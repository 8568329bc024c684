package events_test

import (
	"encoding/json"
	"sort"
	"testing"

	"vidatlas/internal/events"
	"vidatlas/internal/job"
)

func TestSettledPicksEventType(t *testing.T) {
	failed := &job.Job{ID: "job-f", Status: job.StatusFailed, Error: &job.Error{Kind: "deterministic", Message: "subject not found"}}
	ev := events.Settled(failed)
	if ev.Type != events.TypeError {
		t.Fatalf("failed job event type = %q, want %q", ev.Type, events.TypeError)
	}
	if ev.Error == nil || ev.Error.Kind != "deterministic" {
		t.Fatalf("failed job event error = %+v, want deterministic kind", ev.Error)
	}

	for _, status := range []job.Status{job.StatusDone, job.StatusPartial, job.StatusCanceled} {
		ev := events.Settled(&job.Job{ID: "job-s", Status: status, Progress: 100})
		if ev.Type != events.TypeCompleted {
			t.Errorf("%s job event type = %q, want %q", status, ev.Type, events.TypeCompleted)
		}
		if ev.Status != status {
			t.Errorf("%s job event status = %q, want %q", status, ev.Status, status)
		}
	}
}

func TestSettledCopiesError(t *testing.T) {
	original := &job.Error{Kind: "transient-exhausted", Message: "gave up"}
	failed := &job.Job{ID: "job-f", Status: job.StatusFailed, Error: original}
	ev := events.Settled(failed)
	original.Message = "mutated"
	if ev.Error.Message != "gave up" {
		t.Fatalf("event error message = %q, want the pre-mutation copy", ev.Error.Message)
	}
}

func TestEventMarshalShapes(t *testing.T) {
	running := &job.Job{ID: "job-1", Status: job.StatusRunning, Phase: "summary", Progress: 52.5}
	done := &job.Job{ID: "job-1", Status: job.StatusDone, Progress: 100}
	failed := &job.Job{ID: "job-1", Status: job.StatusFailed, Error: &job.Error{Kind: "deterministic", Message: "bad input"}}

	cases := []struct {
		name string
		ev   events.Event
		keys []string
	}{
		{"phase_update", events.PhaseUpdate(running), []string{"job_id", "phase", "progress", "ts"}},
		{"heartbeat", events.Heartbeat("job-1", job.StatusRunning), []string{"job_id", "status", "ts"}},
		{"completed", events.Settled(done), []string{"job_id", "progress", "status"}},
		{"error", events.Settled(failed), []string{"error", "job_id", "status"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			keys := make([]string, 0, len(decoded))
			for k := range decoded {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) != len(tc.keys) {
				t.Fatalf("payload keys = %v, want %v", keys, tc.keys)
			}
			for i, k := range keys {
				if k != tc.keys[i] {
					t.Fatalf("payload keys = %v, want %v", keys, tc.keys)
				}
			}
		})
	}
}

func TestEventMarshalValues(t *testing.T) {
	failed := &job.Job{ID: "job-9", Status: job.StatusFailed, Error: &job.Error{Kind: "internal", Message: "registry violation"}}
	raw, err := json.Marshal(events.Settled(failed))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Error  struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.JobID != "job-9" || decoded.Status != "failed" {
		t.Fatalf("error payload = %+v, want job-9/failed", decoded)
	}
	if decoded.Error.Kind != "internal" || decoded.Error.Message != "registry violation" {
		t.Fatalf("error detail = %+v", decoded.Error)
	}
}

func TestEventMarshalUnknownType(t *testing.T) {
	if _, err := json.Marshal(events.Event{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestTerminal(t *testing.T) {
	cases := map[events.Type]bool{
		events.TypePhaseUpdate: false,
		events.TypeHeartbeat:   false,
		events.TypeCompleted:   true,
		events.TypeError:       true,
	}
	for eventType, want := range cases {
		if got := (events.Event{Type: eventType}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", eventType, got, want)
		}
	}
}
