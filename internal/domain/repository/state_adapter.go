package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

// CreateJobInput carries everything needed to insert one job row. The
// engine fills ChainID/ChainTypeName/RootChainID/OriginID according to
// whether this is a chain starter or a continuation; the adapter never
// derives them itself.
type CreateJobInput struct {
	ID uuid.UUID

	TypeName      string
	ChainID       uuid.UUID
	ChainTypeName string
	RootChainID   uuid.UUID
	OriginID      *uuid.UUID

	Input json.RawMessage

	Schedule valueobject.Schedule

	// Dedup, when non-nil, is the opt-in key-dedup request. Only meaningful
	// when ID == ChainID (chain starters).
	Dedup *valueobject.Deduplication
}

// StateAdapter is the transactional storage contract the engine issues
// operations against. Implementations hide dialect; the engine never emits
// SQL itself. Every operation must be safe to call inside the transaction
// scope RunInTransaction establishes, and adapters are expected to retry
// their own transient storage errors before surfacing one to the engine.
type StateAdapter interface {
	// RunInTransaction executes fn under a transaction with row-level write
	// locks, SKIP LOCKED acquisition semantics, and FOR UPDATE read
	// semantics available to operations called with the ctx it passes to
	// fn. Adapters propagate the transaction through ctx (not as an
	// explicit parameter) so client code composing multiple StateAdapter
	// calls inside one fn stays adapter-agnostic.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// CreateJob inserts a job row, applying continuation dedup (always) and
	// key dedup (when input.Dedup is set). deduplicated is true when an
	// existing row was returned instead of a new insert.
	CreateJob(ctx context.Context, input CreateJobInput) (job *entity.Job, deduplicated bool, err error)

	GetJobByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	GetJobForUpdate(ctx context.Context, id uuid.UUID) (*entity.Job, error)

	// GetCurrentJobForUpdate returns the last job of chainID, locked for
	// update.
	GetCurrentJobForUpdate(ctx context.Context, chainID uuid.UUID) (*entity.Job, error)

	// GetJobChainByID returns the nested (root, last) pair for the chain
	// jobID belongs to.
	GetJobChainByID(ctx context.Context, jobID uuid.UUID) (*entity.JobChain, error)

	// GetNextJobAvailableInMs returns the minimum milliseconds until any
	// pending job of the listed types becomes acquirable: 0 if one is ready
	// now, nil if none exists at all.
	GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error)

	// AcquireJob selects one pending row (scheduled_at <= now, type in
	// typeNames) under SKIP LOCKED, marks it running with attempt+1, and
	// returns it. job is nil if nothing was acquirable. hasMore reports
	// whether another acquirable row was visible, letting the worker loop
	// decide whether to keep filling free slots without a second query.
	AcquireJob(ctx context.Context, typeNames []string) (job *entity.Job, hasMore bool, err error)

	// RenewJobLease sets the lease fields and status=running. It refuses with
	// ErrJobAlreadyCompleted if the job is completed, and with
	// ErrJobTakenByAnotherWorker if a different worker holds the lease.
	// Used immediately after acquisition and for mid-attempt heartbeats.
	RenewJobLease(ctx context.Context, id uuid.UUID, workerID string, duration time.Duration) (*entity.Job, error)

	// RemoveExpiredJobLease finds one running job of the listed types whose
	// lease has lapsed, not in ignoredIDs (the caller's own in-flight
	// slots), and returns it to pending with the lease cleared. Returns nil
	// if nothing was reaped.
	RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredIDs []uuid.UUID) (*entity.Job, error)

	// CompleteJob finalizes a job: status=completed, output stored, lease
	// cleared. workerID is nil for a workerless finalize (CompleteJobChain).
	CompleteJob(ctx context.Context, id uuid.UUID, output json.RawMessage, workerID *string) (*entity.Job, error)

	// RescheduleJob recomputes scheduled_at from schedule, records the
	// attempt error, clears the lease, and restores status=pending.
	RescheduleJob(ctx context.Context, id uuid.UUID, schedule valueobject.Schedule, attemptErr error) (*entity.Job, error)

	// AddJobBlockers inserts ordered join rows for jobID, then checks each
	// blocker chain's current terminal status; if any is incomplete, jobID
	// transitions to blocked. Returns the (possibly updated) job and the
	// ids of blocker chains still incomplete.
	AddJobBlockers(ctx context.Context, jobID uuid.UUID, blockedByChainIDs []uuid.UUID) (job *entity.Job, incomplete []uuid.UUID, err error)

	// ScheduleBlockedJobs transitions every job blocked by blockedByChainID
	// from blocked to pending, provided ALL of its blockers are now
	// complete, and sets scheduled_at=now. Returns how many jobs unblocked.
	ScheduleBlockedJobs(ctx context.Context, blockedByChainID uuid.UUID) (unblockedCount int, err error)

	// GetJobBlockers returns jobID's blocker chains in insertion order.
	GetJobBlockers(ctx context.Context, jobID uuid.UUID) ([]entity.JobChain, error)

	// DeleteJobsByRootChainIDs deletes every job whose RootChainID is in
	// rootChainIDs, refusing (ErrDeletionBlocked) if any job outside the set
	// still blocks on a chain inside it.
	DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []uuid.UUID) (deletedCount int, err error)
}
