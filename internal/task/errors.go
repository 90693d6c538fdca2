package task

import "errors"

// Errors returned synchronously from dispatcher calls, before any worker
// has begun real work. Faults discovered once a task is running are never
// returned from a call; they arrive as the task's terminal event.
var (
	// ErrInvalidDescriptor means the descriptor violates the kind
	// invariant: exactly one kind-specific field set, matching the kind.
	ErrInvalidDescriptor = errors.New("invalid action descriptor")

	// ErrMissingParameter means a positional placeholder in a script
	// invocation has no supplied value.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrExtensionNotFound means the module reference resolved to nothing.
	ErrExtensionNotFound = errors.New("extension not found")

	// ErrIncompatibleExtension means the module resolved but does not
	// satisfy the entry-point capability contract.
	ErrIncompatibleExtension = errors.New("incompatible extension")

	// ErrConcurrentInvocation rejects a submit for a single-flight action
	// that already has a live task.
	ErrConcurrentInvocation = errors.New("concurrent invocation rejected")

	// ErrUnknownTask means the task id was never issued or has been
	// reclaimed after its retention window.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDispatcherClosed means the dispatcher has shut down, either
	// normally or after a fatal event-log failure.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
