package types

import "errors"

var (
	// ErrUnauthorized is returned when the membership check for a residence fails.
	ErrUnauthorized = errors.New("not an active member of this residence")
	// ErrInvalidArgument is returned for empty or whitespace-only message bodies.
	ErrInvalidArgument = errors.New("message cannot be empty")
	ErrNotFound        = errors.New("not found")
	// ErrUnauthenticated is returned when a credential is missing, expired or rejected.
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrTransportFailure = errors.New("connection lost")
	ErrNotConnected     = errors.New("not connected to chat server")
	ErrNoResidence      = errors.New("not assigned to a residence")
	ErrShuttingDown     = errors.New("server is shutting down")
)
