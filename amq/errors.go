package amq

import "errors"

// Sentinel errors surfaced through the queue API, per spec.md §6. Callers
// should compare against these with errors.Is rather than switching on
// error strings; every returned error that represents one of these
// conditions wraps the sentinel with %w.
var (
	// ErrAgain is a transient, retryable condition: the target queue has no
	// room for the attempted send, or a drain is already in progress.
	ErrAgain = errors.New("amq: again")

	// ErrInval marks a bad argument or a detected corruption (a decoded
	// record overrunning the observed tail during a drain).
	ErrInval = errors.New("amq: invalid argument")

	// ErrNotInit marks a runtime that failed, or has not yet completed, its
	// one-shot collective initialization.
	ErrNotInit = errors.New("amq: not initialized")
)
