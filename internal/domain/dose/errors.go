package dose

import "errors"

var (
	// ErrNotFound indicates the dose instance does not exist.
	ErrNotFound = errors.New("dose instance not found")

	// ErrIllegalTransition indicates an action on a dose that is already
	// terminal, or a transition the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal dose state transition")

	// ErrMissingReason indicates a skip without the mandatory reason.
	ErrMissingReason = errors.New("skip reason is required")

	// ErrBackdateTooEarly indicates an administration timestamp before the
	// scheduled time minus the allowed tolerance.
	ErrBackdateTooEarly = errors.New("administration time precedes scheduled time beyond tolerance")

	// ErrConcurrentModification indicates the optimistic-concurrency check
	// failed: another writer recorded the dose first. Callers must re-read
	// and retry with the latest state.
	ErrConcurrentModification = errors.New("dose was modified concurrently")
)
