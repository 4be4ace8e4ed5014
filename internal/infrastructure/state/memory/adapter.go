// Package memory implements repository.StateAdapter entirely in process
// memory. It is the engine's reference implementation and test fixture: a
// single process-wide mutex stands in for the row-level locks a real store
// would take, since there is no concurrent writer outside this process to
// guard against.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

type chainKey struct {
	chainID  uuid.UUID
	originID uuid.UUID
}

type txKey struct{}

// Adapter is a repository.StateAdapter backed by maps. Safe for concurrent
// use; RunInTransaction does not provide rollback-on-error (there is
// nothing to roll back to outside the process), only the same
// now()/ordering guarantees the postgres adapter gives its callers.
type Adapter struct {
	mu sync.Mutex

	jobs     map[uuid.UUID]*entity.Job
	chainLog map[uuid.UUID][]uuid.UUID // chainID -> job ids in creation order
	blockers map[uuid.UUID][]entity.JobBlocker

	continuationIndex map[chainKey]uuid.UUID
	dedupIndex        map[string][]uuid.UUID // dedup key -> chain-starter job ids, creation order

	now func() time.Time
}

// New builds an empty Adapter. nowFn lets tests fix the clock; nil uses
// time.Now.
func New(nowFn func() time.Time) *Adapter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Adapter{
		jobs:              make(map[uuid.UUID]*entity.Job),
		chainLog:          make(map[uuid.UUID][]uuid.UUID),
		blockers:          make(map[uuid.UUID][]entity.JobBlocker),
		continuationIndex: make(map[chainKey]uuid.UUID),
		dedupIndex:        make(map[string][]uuid.UUID),
		now:               nowFn,
	}
}

// RunInTransaction runs fn with the adapter's lock held for its whole
// duration, giving callers the same "nothing else observes a partial
// sequence of calls" guarantee a real transaction would. The lock is
// non-reentrant, so every other method below checks guard(ctx) rather than
// locking unconditionally: a method called with the ctx RunInTransaction
// passes to fn must not try to take the lock a second time.
func (a *Adapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

// guard takes the lock unless ctx already carries one from an enclosing
// RunInTransaction, returning the matching unlock func.
func (a *Adapter) guard(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	a.mu.Lock()
	return a.mu.Unlock
}

func clone(j *entity.Job) *entity.Job {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

func (a *Adapter) CreateJob(ctx context.Context, input repository.CreateJobInput) (*entity.Job, bool, error) {
	defer a.guard(ctx)()

	if input.OriginID != nil {
		key := chainKey{chainID: input.ChainID, originID: *input.OriginID}
		if existingID, ok := a.continuationIndex[key]; ok {
			return clone(a.jobs[existingID]), true, nil
		}
	}

	if input.Dedup != nil {
		for _, candidateID := range a.dedupIndex[input.Dedup.Key] {
			candidate := a.jobs[candidateID]
			if candidate == nil {
				continue
			}
			if input.Dedup.WindowMs != nil {
				window := time.Duration(*input.Dedup.WindowMs) * time.Millisecond
				if a.now().Sub(candidate.CreatedAt) > window {
					continue
				}
			}
			if input.Dedup.Scope == valueobject.DedupScopeCompleted && a.lastJobLocked(candidate.ChainID).Status.Terminal() {
				continue
			}
			return clone(candidate), true, nil
		}
	}

	now := a.now()
	job := &entity.Job{
		ID:            input.ID,
		TypeName:      input.TypeName,
		ChainID:       input.ChainID,
		ChainTypeName: input.ChainTypeName,
		RootChainID:   input.RootChainID,
		OriginID:      input.OriginID,
		Input:         input.Input,
		Status:        valueobject.JobStatusPending,
		CreatedAt:     now,
		ScheduledAt:   input.Schedule.Resolve(now),
	}
	if input.Dedup != nil {
		job.DeduplicationKey = &input.Dedup.Key
	}

	a.jobs[job.ID] = job
	a.chainLog[job.ChainID] = append(a.chainLog[job.ChainID], job.ID)
	if input.OriginID != nil {
		a.continuationIndex[chainKey{chainID: input.ChainID, originID: *input.OriginID}] = job.ID
	}
	if input.Dedup != nil {
		a.dedupIndex[input.Dedup.Key] = append(a.dedupIndex[input.Dedup.Key], job.ID)
	}

	return clone(job), false, nil
}

func (a *Adapter) GetJobByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	defer a.guard(ctx)()
	job, ok := a.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return clone(job), nil
}

func (a *Adapter) GetJobForUpdate(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return a.GetJobByID(ctx, id)
}

func (a *Adapter) lastJobLocked(chainID uuid.UUID) *entity.Job {
	ids := a.chainLog[chainID]
	if len(ids) == 0 {
		return nil
	}
	return a.jobs[ids[len(ids)-1]]
}

func (a *Adapter) GetCurrentJobForUpdate(ctx context.Context, chainID uuid.UUID) (*entity.Job, error) {
	defer a.guard(ctx)()
	job := a.lastJobLocked(chainID)
	if job == nil {
		return nil, repository.ErrJobNotFound
	}
	return clone(job), nil
}

func (a *Adapter) GetJobChainByID(ctx context.Context, jobID uuid.UUID) (*entity.JobChain, error) {
	defer a.guard(ctx)()
	job, ok := a.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	root, ok := a.jobs[job.ChainID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	last := a.lastJobLocked(job.ChainID)
	return &entity.JobChain{Root: clone(root), Last: clone(last)}, nil
}

func (a *Adapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error) {
	defer a.guard(ctx)()

	wanted := toSet(typeNames)
	now := a.now()
	var min *int64
	for _, job := range a.jobs {
		if job.Status != valueobject.JobStatusPending || !wanted[job.TypeName] {
			continue
		}
		ms := job.ScheduledAt.Sub(now).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		if min == nil || ms < *min {
			v := ms
			min = &v
		}
	}
	return min, nil
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func (a *Adapter) AcquireJob(ctx context.Context, typeNames []string) (*entity.Job, bool, error) {
	defer a.guard(ctx)()

	wanted := toSet(typeNames)
	now := a.now()

	var candidates []*entity.Job
	for _, job := range a.jobs {
		if job.Status == valueobject.JobStatusPending && wanted[job.TypeName] && !job.ScheduledAt.After(now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ScheduledAt.Equal(candidates[j].ScheduledAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})

	chosen := candidates[0]
	chosen.Status = valueobject.JobStatusRunning
	chosen.Attempt++
	now2 := a.now()
	chosen.LastAttemptAt = &now2

	return clone(chosen), len(candidates) > 1, nil
}

func (a *Adapter) RenewJobLease(ctx context.Context, id uuid.UUID, workerID string, duration time.Duration) (*entity.Job, error) {
	defer a.guard(ctx)()

	job, ok := a.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, repository.ErrJobAlreadyCompleted
	}
	if job.LeasedBy != nil && *job.LeasedBy != workerID {
		return nil, repository.ErrJobTakenByAnotherWorker
	}

	until := a.now().Add(duration)
	job.Status = valueobject.JobStatusRunning
	job.LeasedBy = &workerID
	job.LeasedUntil = &until

	return clone(job), nil
}

func (a *Adapter) RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredIDs []uuid.UUID) (*entity.Job, error) {
	defer a.guard(ctx)()

	wanted := toSet(typeNames)
	ignored := make(map[uuid.UUID]bool, len(ignoredIDs))
	for _, id := range ignoredIDs {
		ignored[id] = true
	}
	now := a.now()

	for _, job := range a.jobs {
		if job.Status != valueobject.JobStatusRunning || !wanted[job.TypeName] || ignored[job.ID] {
			continue
		}
		if job.LeasedUntil == nil || !job.LeasedUntil.Before(now) {
			continue
		}
		job.Status = valueobject.JobStatusPending
		job.LeasedBy = nil
		job.LeasedUntil = nil
		job.ScheduledAt = now
		return clone(job), nil
	}
	return nil, nil
}

func (a *Adapter) CompleteJob(ctx context.Context, id uuid.UUID, output json.RawMessage, workerID *string) (*entity.Job, error) {
	defer a.guard(ctx)()

	job, ok := a.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, repository.ErrJobAlreadyCompleted
	}

	now := a.now()
	job.Status = valueobject.JobStatusCompleted
	job.Output = output
	job.CompletedAt = &now
	job.CompletedBy = workerID
	job.LeasedBy = nil
	job.LeasedUntil = nil

	return clone(job), nil
}

func (a *Adapter) RescheduleJob(ctx context.Context, id uuid.UUID, schedule valueobject.Schedule, attemptErr error) (*entity.Job, error) {
	defer a.guard(ctx)()

	job, ok := a.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, repository.ErrJobAlreadyCompleted
	}

	now := a.now()
	msg := attemptErr.Error()
	job.Status = valueobject.JobStatusPending
	job.ScheduledAt = schedule.Resolve(now)
	job.LastAttemptError = &msg
	job.LeasedBy = nil
	job.LeasedUntil = nil

	return clone(job), nil
}

func (a *Adapter) AddJobBlockers(ctx context.Context, jobID uuid.UUID, blockedByChainIDs []uuid.UUID) (*entity.Job, []uuid.UUID, error) {
	defer a.guard(ctx)()

	job, ok := a.jobs[jobID]
	if !ok {
		return nil, nil, repository.ErrJobNotFound
	}

	var incomplete []uuid.UUID
	for i, chainID := range blockedByChainIDs {
		a.blockers[jobID] = append(a.blockers[jobID], entity.JobBlocker{JobID: jobID, BlockedByChainID: chainID, Index: i})
		last := a.lastJobLocked(chainID)
		if last == nil || !last.Status.Terminal() {
			incomplete = append(incomplete, chainID)
		}
	}

	if len(incomplete) > 0 {
		job.Status = valueobject.JobStatusBlocked
	}

	return clone(job), incomplete, nil
}

func (a *Adapter) ScheduleBlockedJobs(ctx context.Context, blockedByChainID uuid.UUID) (int, error) {
	defer a.guard(ctx)()

	now := a.now()
	unblocked := 0

	for jobID, blockers := range a.blockers {
		job, ok := a.jobs[jobID]
		if !ok || job.Status != valueobject.JobStatusBlocked {
			continue
		}
		found := false
		allComplete := true
		for _, b := range blockers {
			if b.BlockedByChainID == blockedByChainID {
				found = true
			}
			last := a.lastJobLocked(b.BlockedByChainID)
			if last == nil || !last.Status.Terminal() {
				allComplete = false
			}
		}
		if found && allComplete {
			job.Status = valueobject.JobStatusPending
			job.ScheduledAt = now
			unblocked++
		}
	}

	return unblocked, nil
}

func (a *Adapter) GetJobBlockers(ctx context.Context, jobID uuid.UUID) ([]entity.JobChain, error) {
	defer a.guard(ctx)()

	blockers := append([]entity.JobBlocker(nil), a.blockers[jobID]...)
	sort.Slice(blockers, func(i, j int) bool { return blockers[i].Index < blockers[j].Index })

	chains := make([]entity.JobChain, 0, len(blockers))
	for _, b := range blockers {
		root := a.jobs[b.BlockedByChainID]
		last := a.lastJobLocked(b.BlockedByChainID)
		chains = append(chains, entity.JobChain{Root: clone(root), Last: clone(last)})
	}
	return chains, nil
}

func (a *Adapter) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []uuid.UUID) (int, error) {
	defer a.guard(ctx)()

	targetSet := toRootSet(rootChainIDs)

	for jobID, blockers := range a.blockers {
		owner, ok := a.jobs[jobID]
		if !ok || targetSet[owner.RootChainID] {
			continue
		}
		for _, b := range blockers {
			blockerRoot := a.jobs[b.BlockedByChainID]
			if blockerRoot != nil && targetSet[blockerRoot.RootChainID] {
				return 0, repository.ErrDeletionBlocked
			}
		}
	}

	deleted := 0
	for id, job := range a.jobs {
		if !targetSet[job.RootChainID] {
			continue
		}
		delete(a.jobs, id)
		delete(a.blockers, id)
		deleted++
	}
	for chainID := range a.chainLog {
		if targetSet[chainID] {
			delete(a.chainLog, chainID)
		}
	}

	return deleted, nil
}

func toRootSet(ids []uuid.UUID) map[uuid.UUID]bool {
	s := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

var _ repository.StateAdapter = (*Adapter)(nil)
