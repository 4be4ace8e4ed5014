// Package memory implements repository.NotifyAdapter with in-process
// channels, for tests and single-binary deployments that run their worker
// and their enqueuing code in the same process.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/repository"
)

type scheduledSub struct {
	id        uint64
	typeNames map[string]bool
	ch        chan repository.JobScheduledEvent
}

type completedSub struct {
	id      uint64
	chainID uuid.UUID
	ch      chan struct{}
}

type ownershipSub struct {
	id    uint64
	jobID uuid.UUID
	ch    chan struct{}
}

// Adapter is an in-process repository.NotifyAdapter. Publishes are
// best-effort non-blocking sends: a slow subscriber never blocks a
// publisher.
type Adapter struct {
	mu sync.Mutex

	nextID uint64

	scheduled map[uint64]*scheduledSub
	completed map[uint64]*completedSub
	ownership map[uint64]*ownershipSub
}

// New builds an empty Adapter.
func New() *Adapter {
	return &Adapter{
		scheduled: make(map[uint64]*scheduledSub),
		completed: make(map[uint64]*completedSub),
		ownership: make(map[uint64]*ownershipSub),
	}
}

func (a *Adapter) PublishJobScheduled(ctx context.Context, typeName string, count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.scheduled {
		if !sub.typeNames[typeName] {
			continue
		}
		select {
		case sub.ch <- repository.JobScheduledEvent{TypeName: typeName, Count: count}:
		default:
		}
	}
	return nil
}

func (a *Adapter) SubscribeJobScheduled(ctx context.Context, typeNames []string) (<-chan repository.JobScheduledEvent, repository.Unsubscribe, error) {
	a.mu.Lock()
	wanted := make(map[string]bool, len(typeNames))
	for _, t := range typeNames {
		wanted[t] = true
	}
	a.nextID++
	id := a.nextID
	sub := &scheduledSub{id: id, typeNames: wanted, ch: make(chan repository.JobScheduledEvent, 16)}
	a.scheduled[id] = sub
	a.mu.Unlock()

	unsub := func() {
		a.mu.Lock()
		delete(a.scheduled, id)
		a.mu.Unlock()
	}
	return sub.ch, unsub, nil
}

func (a *Adapter) PublishJobChainCompleted(ctx context.Context, chainID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.completed {
		if sub.chainID != chainID {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (a *Adapter) SubscribeJobChainCompleted(ctx context.Context, chainID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	sub := &completedSub{id: id, chainID: chainID, ch: make(chan struct{}, 1)}
	a.completed[id] = sub
	a.mu.Unlock()

	unsub := func() {
		a.mu.Lock()
		delete(a.completed, id)
		a.mu.Unlock()
	}
	return sub.ch, unsub, nil
}

func (a *Adapter) PublishJobOwnershipLost(ctx context.Context, jobID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sub := range a.ownership {
		if sub.jobID != jobID {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (a *Adapter) SubscribeJobOwnershipLost(ctx context.Context, jobID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	sub := &ownershipSub{id: id, jobID: jobID, ch: make(chan struct{}, 1)}
	a.ownership[id] = sub
	a.mu.Unlock()

	unsub := func() {
		a.mu.Lock()
		delete(a.ownership, id)
		a.mu.Unlock()
	}
	return sub.ch, unsub, nil
}

func (a *Adapter) Close() error {
	return nil
}

var _ repository.NotifyAdapter = (*Adapter)(nil)
