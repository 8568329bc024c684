package api_test

import (
	"testing"
	"time"

	"vidatlas/internal/api"
	"vidatlas/internal/job"
)

func TestFromJobMapsAllFields(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	started := created.Add(time.Second)
	finished := created.Add(42 * time.Second)

	j := &job.Job{
		ID:              "job-1",
		Fingerprint:     "abc123",
		SubjectID:       "vid-1",
		StrategyVersion: "v2",
		Status:          job.StatusPartial,
		Phase:           "geocode",
		Progress:        87.5,
		Retries:         2,
		Cacheable:       false,
		Error:           nil,
		Unresolved:      []string{"Atlantis"},
		CreatedAt:       created,
		UpdatedAt:       finished,
		StartedAt:       &started,
		FinishedAt:      &finished,
	}

	view := api.FromJob(j)
	if view.JobID != "job-1" || view.SubjectID != "vid-1" {
		t.Errorf("identity fields = %q/%q", view.JobID, view.SubjectID)
	}
	if view.Status != "partial" || view.Phase != "geocode" {
		t.Errorf("state fields = %q/%q", view.Status, view.Phase)
	}
	if view.Progress != 87.5 || view.Retries != 2 {
		t.Errorf("progress/retries = %v/%d", view.Progress, view.Retries)
	}
	if view.CreatedAt != "2026-03-14T09:26:53.589Z" {
		t.Errorf("created_at = %q", view.CreatedAt)
	}
	if view.StartedAt == "" || view.FinishedAt == "" {
		t.Error("started_at/finished_at should be set")
	}
	if len(view.Unresolved) != 1 || view.Unresolved[0] != "Atlantis" {
		t.Errorf("unresolved = %v", view.Unresolved)
	}

	// The view must not alias the record's slices.
	view.Unresolved[0] = "mutated"
	if j.Unresolved[0] != "Atlantis" {
		t.Error("FromJob aliased the unresolved slice")
	}
}

func TestFromJobNilAndError(t *testing.T) {
	if got := api.FromJob(nil); got.JobID != "" {
		t.Errorf("FromJob(nil) = %+v, want zero view", got)
	}

	j := &job.Job{ID: "job-2", Status: job.StatusFailed,
		Error: &job.Error{Kind: "deterministic", Message: "subject does not exist"}}
	view := api.FromJob(j)
	if view.Error == nil || view.Error.Kind != "deterministic" {
		t.Fatalf("error view = %+v", view.Error)
	}
}

func TestSortJobsNewestFirst(t *testing.T) {
	views := []api.JobView{
		{JobID: "b", CreatedAt: "2026-03-14T09:00:00.000Z"},
		{JobID: "a", CreatedAt: "2026-03-14T10:00:00.000Z"},
		{JobID: "c", CreatedAt: "2026-03-14T09:00:00.000Z"},
	}
	sorted := api.SortJobsNewestFirst(views)
	if sorted[0].JobID != "a" {
		t.Errorf("first = %s, want a (newest)", sorted[0].JobID)
	}
	if sorted[1].JobID != "b" || sorted[2].JobID != "c" {
		t.Errorf("tie break order = %s,%s, want b,c", sorted[1].JobID, sorted[2].JobID)
	}
	if views[0].JobID != "b" {
		t.Error("input slice mutated")
	}
}

func TestStatusCounts(t *testing.T) {
	counts := api.StatusCounts(map[job.Status]int{job.StatusQueued: 3, job.StatusDone: 7})
	if counts["queued"] != 3 || counts["done"] != 7 {
		t.Errorf("counts = %v", counts)
	}
}
