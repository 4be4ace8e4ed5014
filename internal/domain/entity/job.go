package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/valueobject"
)

// Job is the single entity that carries the whole queue state machine.
// Auxiliary rows (JobBlocker) join to it but never duplicate its fields.
type Job struct {
	ID uuid.UUID

	TypeName string

	// Chain identity. ChainID equals ID for a chain's first job; every
	// continuation inherits its predecessor's ChainID. ChainTypeName is the
	// TypeName of that first job, carried through continuations so a
	// worker can filter on it without a join.
	ChainID       uuid.UUID
	ChainTypeName string

	// RootChainID is the top-level chain a blocker-spawned sub-chain was
	// started for. Equal to ChainID when there is no parent root.
	RootChainID uuid.UUID

	// OriginID is the id of the job that produced this one via
	// ContinueWith. Nil for chain starters.
	OriginID *uuid.UUID

	Input  json.RawMessage
	Output json.RawMessage

	Status valueobject.JobStatus

	CreatedAt     time.Time
	ScheduledAt   time.Time
	CompletedAt   *time.Time

	// CompletedBy is the worker id that finalized the job, or nil for a
	// workerless finalize (CompleteJobChain).
	CompletedBy *string

	Attempt          int
	LastAttemptAt    *time.Time
	LastAttemptError *string

	LeasedBy    *string
	LeasedUntil *time.Time

	DeduplicationKey *string
}

// IsChainStarter reports whether this job is the first job of its chain.
func (j *Job) IsChainStarter() bool {
	return j.ID == j.ChainID
}

// Running reports the invariant that status=running iff both lease fields
// are set.
func (j *Job) Running() bool {
	return j.Status == valueobject.JobStatusRunning && j.LeasedBy != nil && j.LeasedUntil != nil
}

// LeaseExpired reports whether a running job's lease has lapsed as of now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeasedUntil != nil && j.LeasedUntil.Before(now)
}

// JobChain is the nested (root, last) pair the engine's GetJobChainById
// contract returns: always nested, never a flattened join row.
type JobChain struct {
	Root *Job
	Last *Job
}

// TerminalStatus is the chain's terminal state: the status of the row with
// the greatest CreatedAt (ties broken by id), which adapters are
// responsible for selecting as Last.
func (c *JobChain) TerminalStatus() valueobject.JobStatus {
	return c.Last.Status
}
