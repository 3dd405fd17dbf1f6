package session

import "errors"

var (
	// ErrUnauthenticated rejects a connection or request whose credential
	// failed verification. Callers must close the attempt immediately.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrIllegalTransition is returned when the requested status is not
	// reachable from the session's current status.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrSlotConflict is returned when a candidate booking overlaps an
	// existing non-terminal session for the same provider.
	ErrSlotConflict = errors.New("provider slot conflict")

	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
)
