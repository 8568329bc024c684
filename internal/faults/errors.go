// Package faults defines the failure taxonomy and the retry policy applied
// to phase errors. Phases tag errors with one of the sentinel markers; the
// dispatcher classifies and decides through the pure functions here.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks infrastructure failures worth retrying (timeouts,
	// rate limits, flaky upstreams).
	ErrTransient = errors.New("transient failure")
	// ErrDeterministic marks failures that retrying cannot fix (invalid or
	// missing subject, malformed parameters).
	ErrDeterministic = errors.New("deterministic failure")
	// ErrPartial marks a sub-item failure inside an otherwise viable phase.
	ErrPartial = errors.New("partial failure")
	// ErrInternal marks invariant violations inside the engine itself.
	ErrInternal = errors.New("internal failure")
)

// Kind is the classification attached to job errors and admission decisions.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindDeterministic Kind = "deterministic"
	KindPartial       Kind = "partial"
	KindInternal      Kind = "internal"
	// KindTransientExhausted is recorded on the job when retries run out.
	KindTransientExhausted Kind = "transient-exhausted"
)

// Wrap builds an error message that includes phase context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, phase, operation, message string, err error) error {
	detail := buildDetail(phase, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps a raw phase error to its failure kind. Deadline expiry counts
// as transient (per-phase timeouts are retryable); unmarked errors default to
// transient so flaky upstreams get the benefit of retry. Deterministic
// failures must be tagged explicitly by the phase that detects them.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeterministic):
		return KindDeterministic
	case errors.Is(err, ErrPartial):
		return KindPartial
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// Message produces the client-visible message for a classified error: the
// sentinel prefix is stripped so clients see the phase detail, not the marker.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{ErrTransient, ErrDeterministic, ErrPartial, ErrInternal} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func buildDetail(phase, operation, message string) string {
	parts := make([]string, 0, 3)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "phase failure"
	}
	return strings.Join(parts, ": ")
}
