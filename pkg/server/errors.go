package server

import "errors"

var (
	// ErrNoEndpoint is reported when no endpoint is currently selected.
	ErrNoEndpoint = errors.New("no endpoint selected")

	// ErrEndpointRequired is reported when an unhealthy report names no endpoint.
	ErrEndpointRequired = errors.New("endpoint is required")
)
