package service

import "time"

// ObservabilitySink is the metric half of the observability side-channel.
// It never influences engine behavior; a nil sink or a no-op implementation
// must be safe.
type ObservabilitySink interface {
	// JobCreated records a successful createJob call (deduplicated or not).
	JobCreated(typeName string, deduplicated bool)

	// JobAcquired records a successful AcquireJob.
	JobAcquired(typeName string)

	// JobCompleted records a finalized attempt and how long the attempt
	// (acquire to finalize) took.
	JobCompleted(typeName string, duration time.Duration, byWorker bool)

	// JobAttemptFailed records a handler error that led to a reschedule.
	JobAttemptFailed(typeName string, attempt int)

	// JobReaped records the reaper reclaiming an expired lease.
	JobReaped(typeName string)

	// LeaseRenewed records a successful heartbeat.
	LeaseRenewed(typeName string)

	// SlotsInUse reports the current concurrency gauge for a worker id.
	SlotsInUse(workerID string, inUse, total int)
}

// NoOpObservabilitySink discards everything. Useful as a default and as a
// base to embed when only a few hooks need overriding.
type NoOpObservabilitySink struct{}

func (NoOpObservabilitySink) JobCreated(string, bool)                 {}
func (NoOpObservabilitySink) JobAcquired(string)                      {}
func (NoOpObservabilitySink) JobCompleted(string, time.Duration, bool) {}
func (NoOpObservabilitySink) JobAttemptFailed(string, int)            {}
func (NoOpObservabilitySink) JobReaped(string)                        {}
func (NoOpObservabilitySink) LeaseRenewed(string)                     {}
func (NoOpObservabilitySink) SlotsInUse(string, int, int)             {}
