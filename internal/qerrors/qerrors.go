// Package qerrors classifies failures the way the rest of Qakka expects to
// handle them: lookup misses, optimistic-transition conflicts, retryable
// storage faults, and configuration-level faults that should surface to an
// operator.
package qerrors

import "errors"

var (
	// NotFound marks a lookup miss — often benign, surfaced as an empty
	// result rather than an error where the caller can tolerate it.
	NotFound = errors.New("qakka: not found")

	// Conflict marks an optimistic failure on a state transition, e.g. a
	// sweeper and an ack racing for the same inflight row.
	Conflict = errors.New("qakka: conflict")

	// Transient marks a retryable storage fault (timeout, connection
	// reset). Callers on a tick loop swallow and retry next tick.
	Transient = errors.New("qakka: transient")

	// Fatal marks a configuration or schema fault that should not be
	// retried; it is surfaced to the caller rather than swallowed.
	Fatal = errors.New("qakka: fatal")
)

// Is reports whether err is in the chain of target, via errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
