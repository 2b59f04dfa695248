package client

import "errors"

// Common errors returned by client operations.
var (
	// ErrNotStarted is returned when a request is made before Start.
	ErrNotStarted = errors.New("client not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrNotSupported is returned when the server did not advertise the
	// capability a request needs.
	ErrNotSupported = errors.New("capability not supported by server")
)
