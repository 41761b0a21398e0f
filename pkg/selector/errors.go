package selector

import "errors"

var (
	// ErrRosterUnavailable is returned when the roster supplier fails.
	ErrRosterUnavailable = errors.New("candidate roster unavailable")

	// ErrVersionRegistry is returned when the version registry cannot be read
	// or holds versions that do not parse.
	ErrVersionRegistry = errors.New("version registry")

	// ErrNoService is returned by New when no service name is configured.
	ErrNoService = errors.New("service name is required")
)
