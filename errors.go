package reachcache

import "errors"

var (
	// ErrNotFound is returned when a key is absent or logically expired.
	// Callers treat it as an ordinary miss, not a failure.
	ErrNotFound = errors.New("entry not found")

	// ErrOversized is returned when a payload exceeds the capacity of the
	// partition it would be admitted to. Oversized entries are rejected
	// outright, never partially admitted.
	ErrOversized = errors.New("entry exceeds partition capacity")
)
