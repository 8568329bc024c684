// Package pipeline defines the multi-phase analysis contract the dispatcher
// drives, plus the reference place-analysis worker. The engine only sees the
// Worker interface; everything else here is the concrete strategy that turns
// a video subject into a summary with geocoded place mentions.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"vidatlas/internal/logging"
)

// Request identifies the subject under analysis plus caller-supplied
// parameters (for example a transcript). Params participate in the request
// fingerprint, so differing params mean differing jobs.
type Request struct {
	SubjectID string
	Params    map[string]string
}

// Place is one geocoded location mention.
type Place struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Result is the analysis payload persisted on the job and in the result
// cache.
type Result struct {
	SubjectID       string    `json:"subject_id"`
	StrategyVersion string    `json:"strategy_version"`
	Title           string    `json:"title"`
	Author          string    `json:"author,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Places          []Place   `json:"places"`
	Unresolved      []string  `json:"unresolved,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// State carries one job's in-flight data between phases. A single goroutine
// owns it for the lifetime of the run.
type State struct {
	Request Request
	Result  Result

	// Transcript is the normalized text produced by the compression phase
	// and consumed by the summary phase.
	Transcript string
	// Mentions are the candidate place names extracted by the summary phase.
	Mentions []string
	// Cacheable reports whether the final payload may be served from cache.
	// Phases may clear it; the reference worker clears it when any place
	// stays unresolved so a resubmission can retry the lookup.
	Cacheable bool

	Logger *slog.Logger

	report func(fraction float64)
}

// NewState builds the per-run state. report receives fractional completion
// of the active phase in [0, 1]; a nil report is safe.
func NewState(req Request, logger *slog.Logger, report func(fraction float64)) *State {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &State{
		Request: req,
		Result: Result{
			SubjectID: req.SubjectID,
		},
		Cacheable: true,
		Logger:    logger,
		report:    report,
	}
}

// Report publishes fractional completion of the running phase.
func (st *State) Report(fraction float64) {
	if st.report != nil {
		st.report(fraction)
	}
}

// MarkUnresolved records a sub-item the run could not complete.
func (st *State) MarkUnresolved(item string) {
	item = strings.TrimSpace(item)
	if item == "" {
		return
	}
	st.Result.Unresolved = append(st.Result.Unresolved, item)
}

// Param returns a caller-supplied parameter, trimmed.
func (st *State) Param(key string) string {
	return strings.TrimSpace(st.Request.Params[key])
}

// PhaseFunc executes one phase against the shared state.
type PhaseFunc func(ctx context.Context, st *State) error

// Phase pairs a stable phase name with its implementation. The name keys the
// progress weight table and appears verbatim in events and job records.
type Phase struct {
	Name string
	Run  PhaseFunc
}

// Worker is the strategy contract the dispatcher executes. Version changes
// whenever the produced payload would change for the same input; it feeds
// the request fingerprint so stale cache entries never serve a new strategy.
type Worker interface {
	Version() string
	Phases() []Phase
}
