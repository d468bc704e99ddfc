package executor

import "errors"

var (
	// ErrUnknownTaskable is returned for operations against a tenant that was
	// never registered or has already been unregistered.
	ErrUnknownTaskable = errors.New("unknown taskable")

	// ErrUnknownTask is returned when a task handle does not resolve.
	ErrUnknownTask = errors.New("unknown task")

	// ErrPoolShutdown is returned for schedule attempts after Shutdown.
	ErrPoolShutdown = errors.New("executor pool is shut down")

	// ErrBadCategory is returned when a category outside the fixed four is used.
	ErrBadCategory = errors.New("invalid task category")
)
