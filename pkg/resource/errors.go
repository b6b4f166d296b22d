package resource

import "errors"

// Package-level sentinel errors.
var (
	// ErrDuplicatePath is returned when a path already has a provider.
	ErrDuplicatePath = errors.New("resource: path already registered")

	// ErrNilProvider is returned when registering a nil provider.
	ErrNilProvider = errors.New("resource: nil provider")

	// ErrNoUpstream is returned when a proxy provider has no upstream.
	ErrNoUpstream = errors.New("resource: no upstream")
)
