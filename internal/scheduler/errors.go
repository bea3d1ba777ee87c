package scheduler

import "errors"

var (
	// ErrUnknownTaskType is returned when no handler is registered for a
	// task type
	ErrUnknownTaskType = errors.New("no handler registered for task type")

	// ErrTaskInactive is returned when a disabled task is triggered manually
	ErrTaskInactive = errors.New("task is disabled")

	// ErrTaskAlreadyRunning is returned when an execution for the task is
	// still in flight
	ErrTaskAlreadyRunning = errors.New("task already running")

	// ErrDependencyUnmet marks a skip caused by an unsatisfied dependency.
	// It is a soft condition, never a failure.
	ErrDependencyUnmet = errors.New("task dependency unmet")

	// ErrMaxRetryExceeded is terminal: the task was disabled and needs
	// operator re-enablement
	ErrMaxRetryExceeded = errors.New("maximum retries exceeded")
)
