package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kvet/queuert/internal/domain/entity"
)

// errNoHandlerRegistered is wrapped into a JobTypeValidationError when a
// worker acquires a job of a type it watches but never registered a handler
// for — a wiring mistake, not a transient condition, so it is never retried
// silently: the job is rescheduled with backoff like any other failure, and
// the log line points at the missing Handle call.
var errNoHandlerRegistered = errors.New("queuert: no handler registered for job type")

// Worker runs the acquisition/lease/attempt loop for one set of job types.
// Several Workers, each with its own TypeNames and Concurrency, may share
// one Engine (hence one StateAdapter/NotifyAdapter), letting a process
// partition its job types into independent watched-type groups with their
// own slot counts.
type Worker struct {
	engine     *Engine
	config     WorkerConfig
	handlers   map[string]HandlerFunc
	middleware []Middleware

	// wakeLimiter coalesces a burst of jobScheduled notifications across this
	// worker's slots into a steady rate, so N slots waking simultaneously on
	// one notify fan-out don't all hit AcquireJob in the same instant.
	wakeLimiter *rate.Limiter

	// inFlight tracks the job ids currently held by this worker's own slots,
	// so the reaper never reclaims a lease one of its own attempts is still
	// running, merely stalled.
	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]struct{}
}

// NewWorker builds a Worker. Call Handle for every type in config.TypeNames
// before Run.
func NewWorker(e *Engine, config WorkerConfig) *Worker {
	config = config.withDefaults()
	return &Worker{
		engine:      e,
		config:      config,
		handlers:    make(map[string]HandlerFunc),
		wakeLimiter: rate.NewLimiter(rate.Limit(config.Concurrency*10), config.Concurrency),
		inFlight:    make(map[uuid.UUID]struct{}),
	}
}

func (w *Worker) markInFlight(id uuid.UUID) {
	w.inFlightMu.Lock()
	w.inFlight[id] = struct{}{}
	w.inFlightMu.Unlock()
}

func (w *Worker) clearInFlight(id uuid.UUID) {
	w.inFlightMu.Lock()
	delete(w.inFlight, id)
	w.inFlightMu.Unlock()
}

func (w *Worker) inFlightIDs() []uuid.UUID {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	ids := make([]uuid.UUID, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Use appends mw to the middleware chain applied to every handler.
func (w *Worker) Use(mw Middleware) {
	w.middleware = append(w.middleware, mw)
}

// Handle registers the HandlerFunc for typeName. typeName must be one of
// config.TypeNames.
func (w *Worker) Handle(typeName string, fn HandlerFunc) {
	w.handlers[typeName] = fn
}

func (w *Worker) handlerFor(typeName string) (HandlerFunc, bool) {
	fn, ok := w.handlers[typeName]
	return fn, ok
}

// Run blocks, filling up to config.Concurrency slots with acquired jobs,
// until ctx is cancelled, and then returns nil. Acquire and reap errors are
// logged and retried by the slot and reaper goroutines, not returned.
func (w *Worker) Run(ctx context.Context) error {
	w.engine.logger.Info("worker starting", "worker_id", w.config.ID, "types", w.config.TypeNames, "concurrency", w.config.Concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.slotLoop(ctx)
		})
	}

	g.Go(func() error {
		return w.reapLoop(ctx)
	})

	err := g.Wait()
	w.engine.logger.Info("worker stopped", "worker_id", w.config.ID)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// slotLoop repeatedly acquires and runs one job at a time, sleeping between
// attempts per wakeUntilReady's wait strategy when nothing is acquirable.
func (w *Worker) slotLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, _, err := w.acquire(ctx)
		if err != nil {
			w.engine.logger.Error("acquire failed", "worker_id", w.config.ID, "error", err)
			if !sleep(ctx, w.config.PollInterval) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.wakeUntilReady(ctx) {
				return nil
			}
			continue
		}

		w.markInFlight(job.ID)
		w.engine.obs.SlotsInUse(w.config.ID, len(w.inFlightIDs()), w.config.Concurrency)
		w.runAttempt(ctx, job)
		w.clearInFlight(job.ID)
		w.engine.obs.SlotsInUse(w.config.ID, len(w.inFlightIDs()), w.config.Concurrency)
	}
}

func (w *Worker) acquire(ctx context.Context) (job *entity.Job, hasMore bool, err error) {
	var acquired *entity.Job
	txErr := w.engine.state.RunInTransaction(ctx, func(ctx context.Context) error {
		j, more, aerr := w.engine.state.AcquireJob(ctx, w.config.TypeNames)
		if aerr != nil {
			return aerr
		}
		acquired = j
		hasMore = more
		if j == nil {
			return nil
		}
		leaseDuration := time.Duration(w.config.Lease.LeaseMs) * time.Millisecond
		renewed, rerr := w.engine.state.RenewJobLease(ctx, j.ID, w.config.ID, leaseDuration)
		if rerr != nil {
			return rerr
		}
		acquired = renewed
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return acquired, hasMore, nil
}

// wakeUntilReady blocks until a job of one of the worker's types is likely
// acquirable: either a notify wake-up arrives, the computed next-available
// deadline passes, or the poll interval elapses as a backstop.
// A notify-triggered wake passes through wakeLimiter first, so a burst of
// jobScheduled events fanning out to every slot at once doesn't turn into a
// burst of simultaneous AcquireJob calls. Returns false if ctx was cancelled
// while waiting.
func (w *Worker) wakeUntilReady(ctx context.Context) bool {
	ch, unsubscribe, err := w.engine.notify.SubscribeJobScheduled(ctx, w.config.TypeNames)
	if err != nil {
		return sleep(ctx, w.config.PollInterval)
	}
	defer unsubscribe()

	wait := w.config.PollInterval
	if ms, err := w.engine.state.GetNextJobAvailableInMs(ctx, w.config.TypeNames); err == nil && ms != nil {
		if d := time.Duration(*ms) * time.Millisecond; d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-ch:
		if err := w.wakeLimiter.Wait(ctx); err != nil {
			return false
		}
		return true
	case <-timer.C:
		return true
	}
}

func (w *Worker) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			job, err := w.engine.state.RemoveExpiredJobLease(ctx, w.config.TypeNames, w.inFlightIDs())
			if err != nil {
				w.engine.logger.Warn("reap failed", "worker_id", w.config.ID, "error", err)
				continue
			}
			if job != nil {
				w.engine.obs.JobReaped(job.TypeName)
				w.engine.logger.Info("reaped expired lease", "job_id", job.ID, "type", job.TypeName)
				if err := w.engine.notify.PublishJobOwnershipLost(ctx, job.ID); err != nil {
					w.engine.logger.Warn("failed to publish ownership-lost", "job_id", job.ID, "error", err)
				}
				w.engine.noteJobScheduled(ctx, job.TypeName)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
