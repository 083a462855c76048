package pool

import "errors"

var (
	// ErrPoolUnavailable is returned by Submit when the pool has zero
	// configured capacity or is shutting down.
	ErrPoolUnavailable = errors.New("pool unavailable")

	// ErrUnknownProcess is returned when a process id does not belong to
	// the pool.
	ErrUnknownProcess = errors.New("unknown worker process")

	// ErrUnknownExecution is returned when an execution id does not match
	// the worker's in-flight execution.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrInvalidBounds is returned by Rescale for min > max or negative
	// bounds.
	ErrInvalidBounds = errors.New("invalid pool bounds")

	// ErrPoolNotFound is returned by the registry for an unknown pool id.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPoolExists is returned when registering a pool id twice.
	ErrPoolExists = errors.New("pool already registered")
)
