package store

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the
	// store, or exists but belongs to a different owner.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with a unique key.
	ErrConflict = errors.New("conflict")

	// ErrQuotaExceeded is returned by InsertCredential when the owner already
	// holds the maximum number of active credentials.
	ErrQuotaExceeded = errors.New("active credential quota exceeded")
)
