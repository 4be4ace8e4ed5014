// Package engine implements the queue core: the job state machine, the
// acquisition/lease/reap protocol, the chain/continuation/blocker model,
// deduplication, and the worker loop. These subsystems are tightly coupled
// through the single Job entity and are therefore kept together in one
// package rather than split along interface boundaries.
package engine

import (
	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/service"
)

// Engine ties a StateAdapter, a NotifyAdapter, and a Registry together. It
// is the shared implementation behind both the client operations
// (StartJobChain, CompleteJobChain, WaitForJobChainCompletion) and the
// worker loop; both consume the same acquisition/completion primitives.
type Engine struct {
	state    repository.StateAdapter
	notify   repository.NotifyAdapter
	registry repository.Registry
	logger   service.Logger
	obs      service.ObservabilitySink
}

// New builds an Engine. obs may be nil, in which case a no-op sink is used.
func New(state repository.StateAdapter, notify repository.NotifyAdapter, registry repository.Registry, logger service.Logger, obs service.ObservabilitySink) *Engine {
	if obs == nil {
		obs = service.NoOpObservabilitySink{}
	}
	return &Engine{state: state, notify: notify, registry: registry, logger: logger, obs: obs}
}

// State exposes the underlying StateAdapter for callers (the operator CLI,
// maintenance jobs) that need lower-level access than the chain-oriented
// client API provides.
func (e *Engine) State() repository.StateAdapter {
	return e.state
}

// Notify exposes the underlying NotifyAdapter.
func (e *Engine) Notify() repository.NotifyAdapter {
	return e.notify
}
