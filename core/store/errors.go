package store

import "errors"

var (
	// ErrNotFound is returned when an entity id is unknown.
	ErrNotFound = errors.New("store: entity not found")

	// ErrConflict is returned when a conditional mutation carries an
	// expected version that no longer matches. Expected and retryable
	// under contention: the caller moves on to its next candidate.
	ErrConflict = errors.New("store: version conflict")

	// ErrStaleData is returned instead of ErrConflict when the caller's
	// version lags the entity by more than the drift tolerance. The
	// caller must re-read the entity before retrying.
	ErrStaleData = errors.New("store: entity version drifted beyond tolerance")

	// ErrInvalidTransition is returned for a backward or otherwise
	// disallowed status transition.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrExpiredUnit is returned when a unit past expiry is moved to any
	// status other than Discarded.
	ErrExpiredUnit = errors.New("store: unit past expiry")
)
