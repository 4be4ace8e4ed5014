package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/repository"
)

// finalize runs the completion path shared by CompleteJobChain and the
// worker's attempt finalize phase. Callers are responsible for the
// surrounding transaction: this only issues the StateAdapter calls and the
// resulting notify/observability side effects.
func (e *Engine) finalize(ctx context.Context, job *entity.Job, workerID *string, cw *Completion, output []byte, duration time.Duration) (*entity.Job, error) {
	continuation, schedule := cw.requested()

	if continuation != nil {
		if err := e.registry.ValidateContinueWith(job.TypeName, *continuation); err != nil {
			return nil, &repository.JobTypeValidationError{TypeName: continuation.TypeName, Hook: "validateContinueWith", Err: err}
		}
		parsedInput, err := e.registry.ParseInput(continuation.TypeName, continuation.Input)
		if err != nil {
			return nil, &repository.JobTypeValidationError{TypeName: continuation.TypeName, Hook: "parseInput", Err: err}
		}

		completed, err := e.state.CompleteJob(ctx, job.ID, nil, workerID)
		if err != nil {
			return nil, err
		}

		next, deduplicated, err := e.state.CreateJob(ctx, repository.CreateJobInput{
			ID:            uuid.New(),
			TypeName:      continuation.TypeName,
			ChainID:       job.ChainID,
			ChainTypeName: job.ChainTypeName,
			RootChainID:   job.RootChainID,
			OriginID:      &job.ID,
			Input:         parsedInput,
			Schedule:      schedule,
		})
		if err != nil {
			return nil, err
		}
		if !deduplicated {
			e.noteJobScheduled(ctx, next.TypeName)
		}
		e.obs.JobCreated(next.TypeName, deduplicated)

		e.obs.JobCompleted(job.TypeName, duration, workerID != nil)
		e.logger.Info("job_completed", "job_id", job.ID, "chain_id", job.ChainID, "type", job.TypeName, "continued_to", next.TypeName)
		return completed, nil
	}

	parsedOutput, err := e.registry.ParseOutput(job.TypeName, output)
	if err != nil {
		return nil, &repository.JobTypeValidationError{TypeName: job.TypeName, Hook: "parseOutput", Err: err}
	}

	completed, err := e.state.CompleteJob(ctx, job.ID, parsedOutput, workerID)
	if err != nil {
		return nil, err
	}

	e.obs.JobCompleted(job.TypeName, duration, workerID != nil)
	e.logger.Info("job_completed", "job_id", job.ID, "chain_id", job.ChainID, "type", job.TypeName)

	// This job is the chain's new last row, so its completion is the
	// chain's terminal transition: unblock fan-in waiters and notify.
	if _, err := e.state.ScheduleBlockedJobs(ctx, job.ChainID); err != nil {
		e.logger.Warn("failed to schedule blocked jobs", "chain_id", job.ChainID, "error", err)
	}
	if err := e.notify.PublishJobChainCompleted(ctx, job.ChainID); err != nil {
		e.logger.Warn("failed to publish jobChainCompleted", "chain_id", job.ChainID, "error", err)
	}

	return completed, nil
}
