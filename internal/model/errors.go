package model

import "errors"

// Domain error taxonomy. Handlers map these to HTTP codes, the retry
// coordinator uses them to classify failures.
var (
	// ErrNotFound means the requested job or service is unknown
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID means a create collided with an existing job id
	ErrDuplicateID = errors.New("duplicate id")

	// ErrConflict means a concurrent mutation or an illegal state transition
	ErrConflict = errors.New("conflict")

	// ErrValidation means the caller sent a malformed request; never retried
	ErrValidation = errors.New("validation error")

	// ErrDependencyUnavailable means a dependent service is down or timed out; retryable
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrNotFoundUpstream means the target content is gone (removed/private); fatal per video
	ErrNotFoundUpstream = errors.New("not found upstream")
)
