package task

import "errors"

var (
	ErrValidation        = errors.New("invalid task request")
	ErrNotFound          = errors.New("task not found")
	ErrConflict          = errors.New("task was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoActiveExecution = errors.New("task has no active execution")
	ErrAlreadyQueued     = errors.New("task is already queued")
	ErrSessionNotFound   = errors.New("browser session not found")
)

// FailureKind classifies why an execution attempt failed.
type FailureKind string

const (
	FailureTransient     FailureKind = "transient"
	FailurePermanent     FailureKind = "permanent"
	FailureWorkerCrashed FailureKind = "worker_crashed"
	FailureCancelled     FailureKind = "cancelled"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
