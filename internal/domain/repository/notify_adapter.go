package repository

import (
	"context"

	"github.com/google/uuid"
)

// Unsubscribe stops a subscription. Safe to call more than once.
type Unsubscribe func()

// NotifyAdapter is the pub/sub fan-out contract used to reduce polling
// latency. Delivery is at-least-once to live listeners; losses are
// tolerated because polling always backstops every wake. Publishing to a
// channel with no listeners is a no-op, never an error.
type NotifyAdapter interface {
	// PublishJobScheduled fires once per transaction commit that made count
	// jobs of typeName newly acquirable, fanning out to every worker whose
	// watched set contains typeName.
	PublishJobScheduled(ctx context.Context, typeName string, count int) error

	// SubscribeJobScheduled delivers a notification each time
	// PublishJobScheduled fires for one of typeNames.
	SubscribeJobScheduled(ctx context.Context, typeNames []string) (<-chan JobScheduledEvent, Unsubscribe, error)

	// PublishJobChainCompleted fires when the last job of chainID
	// transitions to completed.
	PublishJobChainCompleted(ctx context.Context, chainID uuid.UUID) error

	// SubscribeJobChainCompleted delivers a notification when chainID's
	// chain completes. Used by WaitForJobChainCompletion.
	SubscribeJobChainCompleted(ctx context.Context, chainID uuid.UUID) (<-chan struct{}, Unsubscribe, error)

	// PublishJobOwnershipLost fires when a worker's reaper returns jobID's
	// lapsed lease to pending. It is not published when a worker's own lease
	// renewal or finalize finds that it no longer owns jobID. Optional: adapters may treat
	// this as a no-op channel with no subscribers if they don't support it;
	// polling-based detection in the worker loop remains correct either way.
	PublishJobOwnershipLost(ctx context.Context, jobID uuid.UUID) error

	// SubscribeJobOwnershipLost delivers a notification if jobID's ownership
	// is lost, letting an in-flight attempt cancel itself eagerly instead of
	// waiting for its next lease-renewal tick.
	SubscribeJobOwnershipLost(ctx context.Context, jobID uuid.UUID) (<-chan struct{}, Unsubscribe, error)

	// Close releases any background resources (connections, goroutines).
	Close() error
}

// JobScheduledEvent is delivered on the jobScheduled channel.
type JobScheduledEvent struct {
	TypeName string
	Count    int
}
