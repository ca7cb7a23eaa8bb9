package sessions

import "errors"

var (
	// ErrSessionNotFound is returned when no live session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when registering a session whose id is
	// already registered.
	ErrSessionExists = errors.New("session already registered")
	// ErrStreamUnavailable is returned when writing to a session that is
	// closing or closed.
	ErrStreamUnavailable = errors.New("stream unavailable")
)
