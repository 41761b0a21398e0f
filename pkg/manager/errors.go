package manager

import "errors"

var (
	// ErrNoSelection is returned when no round has produced an endpoint yet.
	ErrNoSelection = errors.New("no endpoint selected")

	// ErrStopped is returned by Reselect after Stop.
	ErrStopped = errors.New("manager stopped")
)
