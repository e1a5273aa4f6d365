package store

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist or is not
	// visible under the caller's scope. The two cases are deliberately
	// indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a guarded status transition finds the
	// run in a different state than the transition requires.
	ErrConflict = errors.New("status conflict")

	// ErrAlreadyResolved is returned when an approval decision targets a
	// tool call that already has a recorded decision.
	ErrAlreadyResolved = errors.New("approval already resolved")
)
