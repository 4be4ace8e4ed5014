// Package queuert is the public surface of the durable job queue: a thin
// facade over internal/engine that re-exports the types a caller needs to
// start chains, wait on them, and run workers, without reaching into
// internal packages. Adapters (state, notify, registry) are constructed from
// their own sub-packages under internal/infrastructure and wired together
// by the caller.
package queuert

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/service"
	"github.com/kvet/queuert/internal/domain/valueobject"
	"github.com/kvet/queuert/internal/engine"
)

// Job is the record a handler receives: its id, chain membership, input,
// attempt count, and everything else the state machine tracks.
type Job = entity.Job

// Re-exported value objects so callers never import internal/domain directly.
type (
	Schedule      = valueobject.Schedule
	JobStatus     = valueobject.JobStatus
	Deduplication = valueobject.Deduplication
	DedupScope    = valueobject.DedupScope
	RetryConfig   = valueobject.RetryConfig
	LeaseConfig   = valueobject.LeaseConfig
)

// Re-exported job status values.
const (
	JobStatusBlocked   = valueobject.JobStatusBlocked
	JobStatusPending   = valueobject.JobStatusPending
	JobStatusRunning   = valueobject.JobStatusRunning
	JobStatusCompleted = valueobject.JobStatusCompleted
)

// Re-exported dedup scopes.
const (
	DedupScopeCompleted = valueobject.DedupScopeCompleted
	DedupScopeAll       = valueobject.DedupScopeAll
)

// Schedule constructors.
var (
	Immediately = valueobject.Immediately
	After       = valueobject.After
	At          = valueobject.At
)

// Sentinel errors a caller may check with errors.Is.
var (
	ErrJobAlreadyCompleted     = repository.ErrJobAlreadyCompleted
	ErrJobTakenByAnotherWorker = repository.ErrJobTakenByAnotherWorker
	ErrChainWaitTimeout        = repository.ErrChainWaitTimeout
	ErrDeletionBlocked         = repository.ErrDeletionBlocked
	ErrJobNotFound             = repository.ErrJobNotFound
)

// JobTypeValidationError is the concrete type behind a Registry hook
// rejection; use errors.As to recover TypeName/Hook for logging.
type JobTypeValidationError = repository.JobTypeValidationError

// StateAdapter and NotifyAdapter are re-exported so custom implementations
// (beyond the memory/postgres and memory/redis/pgnotify ones shipped under
// internal/infrastructure) can satisfy Client/Worker without importing
// internal packages.
type (
	StateAdapter  = repository.StateAdapter
	NotifyAdapter = repository.NotifyAdapter
	Registry      = repository.Registry
	Logger        = service.Logger
	ObservabilitySink = service.ObservabilitySink
)

// ChainHandle, Completion, HandlerFunc and Middleware are re-exported from
// the engine package so handler code only ever imports pkg/queuert.
type (
	ChainHandle                      = engine.ChainHandle
	Completion                       = engine.Completion
	CompleteFn                       = engine.CompleteFn
	HandlerFunc                      = engine.HandlerFunc
	Middleware                       = engine.Middleware
	StartJobChainOptions             = engine.StartJobChainOptions
	WaitForJobChainCompletionOptions = engine.WaitForJobChainCompletionOptions
	WorkerConfig                     = engine.WorkerConfig
	PanicError                       = engine.PanicError
)

// Recover and DefaultWorkerConfig are re-exported constructors.
var (
	Recover             = engine.Recover
	DefaultWorkerConfig = engine.DefaultWorkerConfig
)

// Client is the caller-facing handle for starting and completing chains. It
// wraps one Engine; Workers built with client.NewWorker(...) share the same
// underlying StateAdapter/NotifyAdapter/Registry.
type Client struct {
	engine *engine.Engine
}

// New builds a Client from its three storage/validation collaborators. obs
// may be nil.
func New(state StateAdapter, notify NotifyAdapter, registry Registry, logger Logger, obs ObservabilitySink) *Client {
	return &Client{engine: engine.New(state, notify, registry, logger, obs)}
}

// State exposes the underlying StateAdapter for maintenance tooling
// (queuerctl, cleanup jobs) that needs lower-level access.
func (c *Client) State() StateAdapter {
	return c.engine.State()
}

// Notify exposes the underlying NotifyAdapter.
func (c *Client) Notify() NotifyAdapter {
	return c.engine.Notify()
}

// StartJobChain creates a new chain's first job. See StartJobChainOptions
// for blockers, scheduling, and deduplication. Must run inside a transaction
// opened with RunInTransaction.
func (c *Client) StartJobChain(ctx context.Context, typeName string, input json.RawMessage, opts StartJobChainOptions) (*ChainHandle, bool, error) {
	return c.engine.StartJobChain(ctx, typeName, input, opts)
}

// CompleteJobChain finalizes a chain's current job without a worker.
func (c *Client) CompleteJobChain(ctx context.Context, chainID uuid.UUID, fn CompleteFn) error {
	return c.engine.CompleteJobChain(ctx, chainID, fn)
}

// WaitForJobChainCompletion blocks until chainID's terminal job completes.
func (c *Client) WaitForJobChainCompletion(ctx context.Context, chainID uuid.UUID, opts WaitForJobChainCompletionOptions) (json.RawMessage, error) {
	return c.engine.WaitForJobChainCompletion(ctx, chainID, opts)
}

// RunInTransaction runs fn under the underlying StateAdapter's transaction
// scope. StartJobChain (and AddJobBlockers, via StartJobChainOptions) must
// be called with the ctx this passes to fn.
func (c *Client) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.engine.State().RunInTransaction(ctx, fn)
}

// WithNotify establishes an ambient notify buffer for the duration of fn,
// coalescing jobScheduled wake-ups raised by engine operations called with
// the ctx passed to fn into one publish per type at the end.
func (c *Client) WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.engine.WithNotify(ctx, fn)
}

// NewWorker builds a Worker sharing this Client's Engine.
func (c *Client) NewWorker(config WorkerConfig) *Worker {
	return &Worker{inner: engine.NewWorker(c.engine, config)}
}

// Worker runs the acquisition/lease/attempt loop for one set of job types.
type Worker struct {
	inner *engine.Worker
}

// Use appends mw to the middleware chain applied to every handler.
func (w *Worker) Use(mw Middleware) {
	w.inner.Use(mw)
}

// Handle registers the HandlerFunc for typeName.
func (w *Worker) Handle(typeName string, fn HandlerFunc) {
	w.inner.Handle(typeName, fn)
}

// Run blocks until ctx is cancelled, processing acquired jobs.
func (w *Worker) Run(ctx context.Context) error {
	return w.inner.Run(ctx)
}
