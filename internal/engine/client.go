package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

// ChainHandle identifies a chain by its starting job and carries just enough
// of that job's snapshot for a caller to decide whether to wait on it or use
// it as a blocker, without a further round trip.
type ChainHandle struct {
	ChainID  uuid.UUID
	TypeName string
	Input    json.RawMessage
	Status   valueobject.JobStatus
}

// StartJobChainOptions configures StartJobChain beyond the mandatory
// type/input pair.
type StartJobChainOptions struct {
	// Blockers lists chains that must complete before this chain's first
	// job becomes acquirable.
	Blockers []ChainHandle

	// Schedule controls when the first job becomes acquirable, subject to
	// its blockers (if any) also being satisfied.
	Schedule valueobject.Schedule

	// Dedup opts this chain into key-based deduplication.
	Dedup *valueobject.Deduplication
}

// StartJobChain creates a new chain's first job. It must be called inside a
// transaction already opened by the caller via RunInTransaction — it does
// not open one itself, so that starting several chains (or a chain plus its
// blockers) commits atomically.
func (e *Engine) StartJobChain(ctx context.Context, typeName string, input json.RawMessage, opts StartJobChainOptions) (*ChainHandle, bool, error) {
	if err := e.registry.ValidateEntry(typeName); err != nil {
		return nil, false, &repository.JobTypeValidationError{TypeName: typeName, Hook: "validateEntry", Err: err}
	}
	parsedInput, err := e.registry.ParseInput(typeName, input)
	if err != nil {
		return nil, false, &repository.JobTypeValidationError{TypeName: typeName, Hook: "parseInput", Err: err}
	}

	dedup := opts.Dedup
	if dedup != nil && dedup.Scope == "" {
		d := *dedup
		d.Scope = valueobject.DedupScopeCompleted
		dedup = &d
	}

	id := uuid.New()
	job, deduplicated, err := e.state.CreateJob(ctx, repository.CreateJobInput{
		ID:            id,
		TypeName:      typeName,
		ChainID:       id,
		ChainTypeName: typeName,
		RootChainID:   id,
		OriginID:      nil,
		Input:         parsedInput,
		Schedule:      opts.Schedule,
		Dedup:         dedup,
	})
	if err != nil {
		return nil, false, err
	}

	if deduplicated {
		e.obs.JobCreated(typeName, true)
		return &ChainHandle{ChainID: job.ChainID, TypeName: job.TypeName, Input: job.Input, Status: job.Status}, true, nil
	}

	e.obs.JobCreated(typeName, false)

	if len(opts.Blockers) > 0 {
		blockedByChainIDs := make([]uuid.UUID, len(opts.Blockers))
		blockerSpecs := make([]repository.ContinueWithSpec, len(opts.Blockers))
		for i, b := range opts.Blockers {
			blockedByChainIDs[i] = b.ChainID
			blockerSpecs[i] = repository.ContinueWithSpec{TypeName: b.TypeName, Input: b.Input}
		}
		if err := e.registry.ValidateBlockers(typeName, blockerSpecs); err != nil {
			return nil, false, &repository.JobTypeValidationError{TypeName: typeName, Hook: "validateBlockers", Err: err}
		}

		updated, incomplete, err := e.state.AddJobBlockers(ctx, job.ID, blockedByChainIDs)
		if err != nil {
			return nil, false, err
		}
		job = updated
		if len(incomplete) > 0 {
			return &ChainHandle{ChainID: job.ChainID, TypeName: job.TypeName, Input: job.Input, Status: job.Status}, false, nil
		}
	}

	if job.Status == valueobject.JobStatusPending {
		e.noteJobScheduled(ctx, job.TypeName)
	}

	return &ChainHandle{ChainID: job.ChainID, TypeName: job.TypeName, Input: job.Input, Status: job.Status}, false, nil
}

// CompleteJobChain finalizes a chain's current job without a worker,
// running completionFn against its own transaction. Used for chains whose
// steps run inline in caller code rather than via the worker loop.
func (e *Engine) CompleteJobChain(ctx context.Context, chainID uuid.UUID, completionFn CompleteFn) error {
	return e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		start := time.Now()
		job, err := e.state.GetCurrentJobForUpdate(ctx, chainID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return repository.ErrJobAlreadyCompleted
		}

		cw := newCompletion()
		output, err := completionFn(cw)
		if err != nil {
			retry := valueobject.DefaultRetryConfig()
			schedule := valueobject.After(retry.DelayForAttempt(job.Attempt + 1))
			if _, rerr := e.state.RescheduleJob(ctx, job.ID, schedule, err); rerr != nil {
				return rerr
			}
			e.obs.JobAttemptFailed(job.TypeName, job.Attempt+1)
			return nil
		}

		_, err = e.finalize(ctx, job, nil, cw, output, time.Since(start))
		return err
	})
}

// WaitForJobChainCompletionOptions bounds how WaitForJobChainCompletion
// waits.
type WaitForJobChainCompletionOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// WaitForJobChainCompletion blocks until the chain's terminal job completes,
// subscribing for a fast path and polling as the always-correct fallback.
// Returns the terminal job's output.
func (e *Engine) WaitForJobChainCompletion(ctx context.Context, chainID uuid.UUID, opts WaitForJobChainCompletionOptions) (json.RawMessage, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	ch, unsubscribe, err := e.notify.SubscribeJobChainCompleted(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	check := func() (json.RawMessage, bool, error) {
		chain, err := e.state.GetJobChainByID(ctx, chainID)
		if err != nil {
			return nil, false, err
		}
		if !chain.Last.Status.Terminal() {
			return nil, false, nil
		}
		return chain.Last.Output, true, nil
	}

	if out, done, err := check(); err != nil || done {
		return out, err
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, repository.ErrChainWaitTimeout
		case <-ch:
			if out, done, err := check(); err != nil || done {
				return out, err
			}
		case <-ticker.C:
			if out, done, err := check(); err != nil || done {
				return out, err
			}
		}
	}
}
