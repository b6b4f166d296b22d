package server

import "errors"

// Package-level errors.
var (
	// ErrAlreadyStarted is returned when Start is called on a running server.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrStopped is returned when a stopped server is started or stopped again.
	ErrStopped = errors.New("server: stopped")

	// ErrInvalidURI is returned for URIs that are not coap:// URIs or paths.
	ErrInvalidURI = errors.New("server: invalid resource URI")

	// ErrInvalidCacheCapacity is returned for a negative cache capacity.
	ErrInvalidCacheCapacity = errors.New("server: cache capacity must not be negative")
)
