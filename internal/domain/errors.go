package domain

import "errors"

// Sentinel errors shared by the stores. Service packages re-export the ones
// their callers match on.
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by compare-and-swap updates that lost a race.
	ErrConflict = errors.New("concurrent modification")
)
