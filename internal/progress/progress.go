// Package progress computes weighted completion percentages for analysis
// jobs. Each pipeline phase carries an integer weight and the weights sum to
// 100; the job value is the sum of completed phase weights plus the active
// phase's fractional share. Values never decrease and never leave [0, 100].
package progress

import (
	"errors"
	"fmt"
)

// Weights maps phase names to their share of the total progress value.
type Weights map[string]int

// Validate checks that the table is non-empty, every weight is positive, and
// the weights sum to exactly 100.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return errors.New("weight table is empty")
	}
	total := 0
	for name, weight := range w {
		if name == "" {
			return errors.New("weight table contains an empty phase name")
		}
		if weight <= 0 {
			return fmt.Errorf("weight for phase %s must be positive, got %d", name, weight)
		}
		total += weight
	}
	if total != 100 {
		return fmt.Errorf("weights must sum to 100, got %d", total)
	}
	return nil
}

// Total returns the sum of all weights.
func (w Weights) Total() int {
	total := 0
	for _, weight := range w {
		total += weight
	}
	return total
}

// Tracker accumulates one job's progress value. It is owned by the single
// goroutine executing the job and is not safe for concurrent use; readers
// observe progress through the registry and the event hub, never through the
// tracker itself.
type Tracker struct {
	weights   Weights
	completed map[string]bool
	current   string
	fraction  float64
	high      float64
}

// NewTracker returns a tracker over the given weight table. Phases missing
// from the table contribute nothing to the value.
func NewTracker(weights Weights) *Tracker {
	return &Tracker{
		weights:   weights,
		completed: make(map[string]bool, len(weights)),
	}
}

// PhaseStart marks the named phase as active with zero fractional progress.
// Starting a phase never lowers the reported value; retried phases resume
// from the previous high-water mark.
func (t *Tracker) PhaseStart(name string) {
	if t.completed[name] {
		return
	}
	t.current = name
	t.fraction = 0
	t.recompute()
}

// PhaseProgress records fractional completion of the named phase. The
// fraction is clamped to [0, 1]; reports for phases that already completed
// are ignored, and a lower fraction never lowers the reported value.
func (t *Tracker) PhaseProgress(name string, fraction float64) {
	if t.completed[name] {
		return
	}
	if name != t.current {
		t.current = name
	}
	if fraction < 0 || fraction != fraction {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	t.fraction = fraction
	t.recompute()
}

// PhaseDone credits the phase's full weight regardless of the last fraction
// reported. Completing a phase twice has no additional effect.
func (t *Tracker) PhaseDone(name string) {
	if t.completed[name] {
		return
	}
	t.completed[name] = true
	if t.current == name {
		t.current = ""
		t.fraction = 0
	}
	t.recompute()
}

// Phase returns the currently active phase name, or empty when no phase is
// running.
func (t *Tracker) Phase() string {
	return t.current
}

// Value returns the current progress percentage. The value is monotonically
// non-decreasing over the tracker's lifetime and clamped to [0, 100].
func (t *Tracker) Value() float64 {
	return t.high
}

func (t *Tracker) recompute() {
	total := 0.0
	for name := range t.completed {
		total += float64(t.weights[name])
	}
	if t.current != "" && !t.completed[t.current] {
		total += t.fraction * float64(t.weights[t.current])
	}
	if total > t.high {
		t.high = total
	}
	if t.high > 100 {
		t.high = 100
	}
}
