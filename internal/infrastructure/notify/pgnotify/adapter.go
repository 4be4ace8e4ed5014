// Package pgnotify implements repository.NotifyAdapter over Postgres
// LISTEN/NOTIFY via lib/pq's Listener, for deployments that would rather not
// run Redis purely for wake-ups: the postgres StateAdapter and this
// NotifyAdapter can share one database connection string with no extra
// infrastructure.
package pgnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/service"
)

// Adapter is a repository.NotifyAdapter backed by one shared pq.Listener
// for LISTEN and a plain *sql.DB for NOTIFY, fanning out payloads to
// per-call subscriber channels in process.
type Adapter struct {
	db       *sql.DB
	listener *pq.Listener
	logger   service.Logger

	mu         sync.Mutex
	scheduled  map[uint64]scheduledSub
	completed  map[uint64]completedSub
	ownership  map[uint64]ownershipSub
	nextID     uint64
	stopListen chan struct{}
}

type scheduledSub struct {
	typeNames map[string]bool
	ch        chan repository.JobScheduledEvent
}

type completedSub struct {
	chainID uuid.UUID
	ch      chan struct{}
}

type ownershipSub struct {
	jobID uuid.UUID
	ch    chan struct{}
}

const channelName = "queuert_events"

type wireEvent struct {
	Kind     string `json:"kind"` // "scheduled" | "completed" | "ownership_lost"
	TypeName string `json:"type_name,omitempty"`
	Count    int    `json:"count,omitempty"`
	ChainID  string `json:"chain_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}

// New opens a *sql.DB for NOTIFY and a pq.Listener for LISTEN against the
// same connString, and starts fanning out notifications on channelName.
func New(connString string, logger service.Logger) (*Adapter, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("queuert/notify/pgnotify: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queuert/notify/pgnotify: ping: %w", err)
	}

	listener := pq.NewListener(connString, 1*time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed {
			logger.Error("pgnotify listener connection attempt failed", "error", err)
		}
	})
	if err := listener.Listen(channelName); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("queuert/notify/pgnotify: listen: %w", err)
	}

	a := &Adapter{
		db:         db,
		listener:   listener,
		logger:     logger,
		scheduled:  make(map[uint64]scheduledSub),
		completed:  make(map[uint64]completedSub),
		ownership:  make(map[uint64]ownershipSub),
		stopListen: make(chan struct{}),
	}
	go a.fanOut()
	return a, nil
}

func (a *Adapter) fanOut() {
	for {
		select {
		case <-a.stopListen:
			return
		case n, ok := <-a.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			var evt wireEvent
			if err := json.Unmarshal([]byte(n.Extra), &evt); err != nil {
				a.logger.Error("failed to unmarshal pg notify payload", "error", err)
				continue
			}
			a.dispatch(evt)
		}
	}
}

func (a *Adapter) dispatch(evt wireEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch evt.Kind {
	case "scheduled":
		for _, sub := range a.scheduled {
			if !sub.typeNames[evt.TypeName] {
				continue
			}
			select {
			case sub.ch <- repository.JobScheduledEvent{TypeName: evt.TypeName, Count: evt.Count}:
			default:
			}
		}
	case "completed":
		chainID, err := uuid.Parse(evt.ChainID)
		if err != nil {
			return
		}
		for _, sub := range a.completed {
			if sub.chainID != chainID {
				continue
			}
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
	case "ownership_lost":
		jobID, err := uuid.Parse(evt.JobID)
		if err != nil {
			return
		}
		for _, sub := range a.ownership {
			if sub.jobID != jobID {
				continue
			}
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
	}
}

func (a *Adapter) notify(ctx context.Context, evt wireEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channelName, string(data))
	return err
}

func (a *Adapter) PublishJobScheduled(ctx context.Context, typeName string, count int) error {
	return a.notify(ctx, wireEvent{Kind: "scheduled", TypeName: typeName, Count: count})
}

func (a *Adapter) SubscribeJobScheduled(ctx context.Context, typeNames []string) (<-chan repository.JobScheduledEvent, repository.Unsubscribe, error) {
	wanted := make(map[string]bool, len(typeNames))
	for _, t := range typeNames {
		wanted[t] = true
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan repository.JobScheduledEvent, 16)
	a.scheduled[id] = scheduledSub{typeNames: wanted, ch: ch}
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		delete(a.scheduled, id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) PublishJobChainCompleted(ctx context.Context, chainID uuid.UUID) error {
	return a.notify(ctx, wireEvent{Kind: "completed", ChainID: chainID.String()})
}

func (a *Adapter) SubscribeJobChainCompleted(ctx context.Context, chainID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan struct{}, 1)
	a.completed[id] = completedSub{chainID: chainID, ch: ch}
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		delete(a.completed, id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) PublishJobOwnershipLost(ctx context.Context, jobID uuid.UUID) error {
	return a.notify(ctx, wireEvent{Kind: "ownership_lost", JobID: jobID.String()})
}

func (a *Adapter) SubscribeJobOwnershipLost(ctx context.Context, jobID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan struct{}, 1)
	a.ownership[id] = ownershipSub{jobID: jobID, ch: ch}
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		delete(a.ownership, id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) Close() error {
	close(a.stopListen)
	if err := a.listener.Close(); err != nil {
		a.db.Close()
		return err
	}
	return a.db.Close()
}

var _ repository.NotifyAdapter = (*Adapter)(nil)
