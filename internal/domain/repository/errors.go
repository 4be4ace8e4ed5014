package repository

import "errors"

// Sentinel errors surfaced by the engine.
var (
	// ErrJobAlreadyCompleted is raised when a finalize attempt discovers
	// another worker (or a workerless completion) already completed the job.
	ErrJobAlreadyCompleted = errors.New("queuert: job already completed")

	// ErrJobTakenByAnotherWorker is raised when a lease renewal discovers a
	// different owner than the attempt that is running.
	ErrJobTakenByAnotherWorker = errors.New("queuert: job taken by another worker")

	// ErrChainWaitTimeout is returned by WaitForJobChainCompletion when
	// neither the notify subscription nor the poll fallback observes
	// completion before the deadline.
	ErrChainWaitTimeout = errors.New("queuert: timed out waiting for chain completion")

	// ErrDeletionBlocked is returned when deleteJobsByRootChainIds is asked
	// to delete a set of root chains that a job outside the set still
	// references as a blocker.
	ErrDeletionBlocked = errors.New("queuert: refusing to delete chains referenced as blockers from outside the set")

	// ErrJobNotFound is returned by lookups that expect an existing row.
	ErrJobNotFound = errors.New("queuert: job not found")
)

// JobTypeValidationError is raised by any Registry hook that rejects a
// value. The engine surfaces it verbatim at the call that introduced the
// invalid value (enqueue, continuation, or completion) and never retries it.
type JobTypeValidationError struct {
	TypeName string
	Hook     string
	Err      error
}

func (e *JobTypeValidationError) Error() string {
	return "queuert: job type validation failed for " + e.TypeName + " in " + e.Hook + ": " + e.Err.Error()
}

func (e *JobTypeValidationError) Unwrap() error {
	return e.Err
}
