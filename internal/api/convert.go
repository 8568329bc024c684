package api

import (
	"sort"
	"time"

	"vidatlas/internal/job"
)

// FromJob converts a registry record to its API representation.
func FromJob(j *job.Job) JobView {
	if j == nil {
		return JobView{}
	}

	view := JobView{
		JobID:           j.ID,
		SubjectID:       j.SubjectID,
		Fingerprint:     j.Fingerprint,
		StrategyVersion: j.StrategyVersion,
		Status:          string(j.Status),
		Phase:           j.Phase,
		Progress:        j.Progress,
		Retries:         j.Retries,
		Cacheable:       j.Cacheable,
		CreatedAt:       FormatTime(j.CreatedAt),
		UpdatedAt:       FormatTime(j.UpdatedAt),
	}
	if j.Error != nil {
		view.Error = &JobError{Kind: j.Error.Kind, Message: j.Error.Message}
	}
	if len(j.Unresolved) > 0 {
		view.Unresolved = append([]string(nil), j.Unresolved...)
	}
	if j.StartedAt != nil {
		view.StartedAt = FormatTime(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		view.FinishedAt = FormatTime(*j.FinishedAt)
	}
	return view
}

// FromJobs converts a slice of registry records into API views.
func FromJobs(jobs []*job.Job) []JobView {
	if len(jobs) == 0 {
		return nil
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, FromJob(j))
	}
	return out
}

// StatusCounts produces a string-keyed representation of job stats.
func StatusCounts(stats map[job.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// SortJobsNewestFirst orders views by CreatedAt descending, breaking ties
// by job id so rendering is deterministic.
func SortJobsNewestFirst(views []JobView) []JobView {
	if len(views) == 0 {
		return nil
	}
	sorted := make([]JobView, len(views))
	copy(sorted, views)
	sort.Slice(sorted, func(i, k int) bool {
		ti := ParseTime(sorted[i].CreatedAt)
		tk := ParseTime(sorted[k].CreatedAt)
		if ti.Equal(tk) {
			return sorted[i].JobID < sorted[k].JobID
		}
		return ti.After(tk)
	})
	return sorted
}

// FormatTime converts a time to RFC3339 (millisecond precision) or returns
// an empty string for the zero value.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime parses API timestamps back into time values; zero on failure.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
