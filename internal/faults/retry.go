package faults

import (
	"math"
	"math/rand/v2"
	"time"
)

// Action is the verdict the dispatcher applies after classifying an error.
type Action int

const (
	// ActionFail terminates the job immediately.
	ActionFail Action = iota
	// ActionRetry re-runs the failing phase after a backoff delay.
	ActionRetry
	// ActionContinuePartial records the failure and moves on; the job may
	// finish with status partial.
	ActionContinuePartial
)

// String returns the verdict name for logs.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionContinuePartial:
		return "continue-partial"
	default:
		return "fail"
	}
}

// Policy holds the transient retry parameters from configuration.
type Policy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
	Jitter      time.Duration
}

// Delay computes the backoff before the given retry. attempt is 1-based: the
// delay after the first failure is Base, then Base*Factor, and so on, plus a
// uniformly random jitter in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	delay := time.Duration(backoff)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return delay
}

// Decision is the classifier verdict for one failure kind.
type Decision struct {
	Action      Action
	MaxAttempts int
	Policy      Policy
}

// Decide maps a failure kind to its handling under the given policy. Pure:
// same kind and policy always produce the same decision.
func Decide(kind Kind, policy Policy) Decision {
	switch kind {
	case KindTransient:
		return Decision{Action: ActionRetry, MaxAttempts: policy.MaxAttempts, Policy: policy}
	case KindPartial:
		return Decision{Action: ActionContinuePartial, MaxAttempts: 1, Policy: policy}
	default:
		// deterministic, internal, and anything unrecognized fail immediately.
		return Decision{Action: ActionFail, MaxAttempts: 1, Policy: policy}
	}
}
