package engine

import (
	"context"
	"sync"
	"time"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

// cancelToken is the single cancellation point shared by the three parties
// racing over one attempt: the handler itself, the lease-renewal heartbeat,
// and the ownership-loss listener. Whichever fires first tags the reason;
// the handler's ctx.Err() alone can't distinguish why it was cancelled, so
// callers read Reason() after the fact.
type cancelToken struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	reason valueobject.CancellationReason
}

func newCancelToken(parent context.Context) (context.Context, *cancelToken) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &cancelToken{cancel: cancel}
}

func (t *cancelToken) fire(reason valueobject.CancellationReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == valueobject.CancellationReasonNone {
		t.reason = reason
	}
	t.cancel()
}

func (t *cancelToken) Reason() valueobject.CancellationReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// runAttempt drives one acquired job from handler invocation through
// finalize. It owns the attempt's lease for its duration: a renewal
// heartbeat and an ownership-loss subscription run alongside the handler,
// both able to cancel it early.
func (w *Worker) runAttempt(ctx context.Context, job *entity.Job) {
	start := time.Now()
	attemptCtx, token := newCancelToken(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.renewLease(attemptCtx, job, token)
	}()
	go func() {
		defer wg.Done()
		w.watchOwnership(attemptCtx, job, token)
	}()

	cw := newCompletion()
	handler, ok := w.handlerFor(job.TypeName)
	var output []byte
	var err error
	if !ok {
		err = &repository.JobTypeValidationError{TypeName: job.TypeName, Hook: "handle", Err: errNoHandlerRegistered}
	} else {
		output, err = chain(w.middleware, handler)(attemptCtx, job, cw)
	}

	token.fire(valueobject.CancellationReasonStopped)
	wg.Wait()

	w.engine.obs.JobAcquired(job.TypeName)

	if reason := token.Reason(); reason == valueobject.CancellationReasonTakenByAnotherWorker {
		w.engine.logger.Warn("attempt cancelled: lost ownership", "job_id", job.ID, "type", job.TypeName)
		return
	}

	if ferr := w.finishAttempt(ctx, job, cw, output, err, time.Since(start)); ferr != nil {
		w.engine.logger.Error("failed to finalize attempt", "job_id", job.ID, "type", job.TypeName, "error", ferr)
	}
}

// finishAttempt runs the finalize transaction: on handler success it
// defers to the shared finalize path (continuation or output), on failure
// it reschedules with backoff.
func (w *Worker) finishAttempt(ctx context.Context, job *entity.Job, cw *Completion, output []byte, handlerErr error, duration time.Duration) error {
	return w.engine.state.RunInTransaction(ctx, func(ctx context.Context) error {
		current, err := w.engine.state.GetJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		if current.LeasedBy == nil || *current.LeasedBy != w.config.ID {
			return nil
		}

		if handlerErr != nil {
			schedule := valueobject.After(w.config.Retry.DelayForAttempt(current.Attempt))
			errMsg := handlerErr.Error()
			if _, rerr := w.engine.state.RescheduleJob(ctx, job.ID, schedule, handlerErr); rerr != nil {
				return rerr
			}
			w.engine.obs.JobAttemptFailed(job.TypeName, current.Attempt)
			w.engine.logger.Warn("job_attempt_failed", "job_id", job.ID, "type", job.TypeName, "attempt", current.Attempt, "error", errMsg)
			return nil
		}

		_, err = w.engine.finalize(ctx, current, &w.config.ID, cw, output, duration)
		return err
	})
}

func (w *Worker) renewLease(ctx context.Context, job *entity.Job, token *cancelToken) {
	interval := time.Duration(w.config.Lease.RenewIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leaseDuration := time.Duration(w.config.Lease.LeaseMs) * time.Millisecond
			renewed, err := w.engine.state.RenewJobLease(ctx, job.ID, w.config.ID, leaseDuration)
			if err != nil {
				if err == repository.ErrJobTakenByAnotherWorker {
					token.fire(valueobject.CancellationReasonTakenByAnotherWorker)
					return
				}
				if err == repository.ErrJobAlreadyCompleted {
					token.fire(valueobject.CancellationReasonAlreadyCompleted)
					return
				}
				w.engine.logger.Warn("lease renewal failed", "job_id", job.ID, "error", err)
				continue
			}
			w.engine.obs.LeaseRenewed(renewed.TypeName)
		}
	}
}

func (w *Worker) watchOwnership(ctx context.Context, job *entity.Job, token *cancelToken) {
	ch, unsubscribe, err := w.engine.notify.SubscribeJobOwnershipLost(ctx, job.ID)
	if err != nil {
		// Correctness never depends on this listener; the renewal
		// heartbeat still detects loss on its own cadence.
		return
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
	case <-ch:
		token.fire(valueobject.CancellationReasonTakenByAnotherWorker)
	}
}
