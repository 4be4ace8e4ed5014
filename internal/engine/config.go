package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/kvet/queuert/internal/domain/valueobject"
)

// WorkerConfig shapes one Worker's acquisition and lease behavior: which
// types it watches, how many jobs it runs at once, and its lease/retry
// timing.
type WorkerConfig struct {
	// ID identifies this worker instance in LeasedBy/CompletedBy columns.
	// Defaults to a fresh uuid if empty.
	ID string

	// TypeNames restricts acquisition to these job types. Required.
	TypeNames []string

	// Concurrency is the number of jobs this worker processes at once.
	Concurrency int

	Lease valueobject.LeaseConfig
	Retry valueobject.RetryConfig

	// PollInterval bounds how long a slot waits for a notify wake-up
	// before falling back to polling anyway.
	PollInterval time.Duration

	// ReapInterval is how often the worker checks for expired leases among
	// its own watched types. Acquisition itself picks only pending jobs, so
	// this check is the only path that reclaims a lapsed lease.
	ReapInterval time.Duration
}

// DefaultWorkerConfig fills in the fields a caller typically leaves zero.
func DefaultWorkerConfig(typeNames ...string) WorkerConfig {
	return WorkerConfig{
		ID:           uuid.New().String(),
		TypeNames:    typeNames,
		Concurrency:  5,
		Lease:        valueobject.DefaultLeaseConfig(),
		Retry:        valueobject.DefaultRetryConfig(),
		PollInterval: 2 * time.Second,
		ReapInterval: 5 * time.Second,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Lease.LeaseMs == 0 || c.Lease.Validate() != nil {
		c.Lease = valueobject.DefaultLeaseConfig()
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry = valueobject.DefaultRetryConfig()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	return c
}
