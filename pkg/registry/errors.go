package registry

import "errors"

var (
	// ErrUnknownService is returned when the registry has no entry for the service.
	ErrUnknownService = errors.New("unknown service")

	// ErrNoVersions is returned when a service has no registered versions.
	ErrNoVersions = errors.New("service has no registered versions")

	// ErrVersionIndexOutOfRange is returned by GetVersion for an index outside the history.
	ErrVersionIndexOutOfRange = errors.New("version index out of range")

	// ErrInvalidVersion is returned when a registry file carries a version that is not semver.
	ErrInvalidVersion = errors.New("invalid semantic version")
)
