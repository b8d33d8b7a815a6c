package session

import "errors"

var (
	// ErrNotConnected is returned by Send when the session is not connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrStopped is returned by commands issued after the event loop exited.
	ErrStopped = errors.New("session manager stopped")
)
