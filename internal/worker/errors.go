package worker

import "errors"

// tooBusyError signals queue overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var t tooBusyError
	return errors.As(err, &t)
}

// modelNotFoundError signals a model id absent from the catalog.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var t modelNotFoundError
	return errors.As(err, &t)
}

// callNotFoundError signals an unknown call id for 404 mapping.
type callNotFoundError struct{ id string }

func (e callNotFoundError) Error() string { return "call not found: " + e.id }

// ErrCallNotFound constructs a callNotFoundError.
func ErrCallNotFound(id string) error { return callNotFoundError{id: id} }

// IsCallNotFound reports whether the error indicates an unknown call id.
func IsCallNotFound(err error) bool {
	var t callNotFoundError
	return errors.As(err, &t)
}

// environmentUnavailableError wraps a provisioning failure so the HTTP layer
// can return 503 while callers keep access to the underlying cause.
type environmentUnavailableError struct {
	key string
	err error
}

func (e *environmentUnavailableError) Error() string {
	return "environment " + e.key + " unavailable: " + e.err.Error()
}

func (e *environmentUnavailableError) Unwrap() error { return e.err }

// IsEnvironmentUnavailable reports whether err means the call's environment
// could not be provisioned.
func IsEnvironmentUnavailable(err error) bool {
	var t *environmentUnavailableError
	return errors.As(err, &t)
}

// workerCrashedError fails calls that were in flight when their worker died.
type workerCrashedError struct{ detail string }

func (e workerCrashedError) Error() string {
	if e.detail == "" {
		return "worker crashed"
	}
	return "worker crashed: " + e.detail
}

// IsWorkerCrashed reports whether err means the worker process died mid-call.
func IsWorkerCrashed(err error) bool {
	var t workerCrashedError
	return errors.As(err, &t)
}

// errStopped rejects submissions after the invoker has shut down.
var errStopped = errors.New("invoker stopped")
