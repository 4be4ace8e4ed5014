package valueobject

import "time"

// Schedule determines when a job becomes acquirable. Exactly one of At or
// AfterMs is meaningful; Resolve picks whichever was set.
type Schedule struct {
	At      *time.Time // absolute
	AfterMs *int64     // relative to now
}

// Immediately is the zero schedule: acquirable as soon as it is created.
func Immediately() Schedule {
	return Schedule{}
}

// At builds an absolute schedule.
func At(t time.Time) Schedule {
	return Schedule{At: &t}
}

// After builds a schedule relative to the moment it is resolved.
func After(d time.Duration) Schedule {
	ms := d.Milliseconds()
	return Schedule{AfterMs: &ms}
}

// Resolve computes the concrete scheduled_at timestamp given the current time.
func (s Schedule) Resolve(now time.Time) time.Time {
	switch {
	case s.At != nil:
		return *s.At
	case s.AfterMs != nil:
		return now.Add(time.Duration(*s.AfterMs) * time.Millisecond)
	default:
		return now
	}
}

// RetryConfig is the exponential backoff shape used both for handler
// reschedules and for the worker loop's own plumbing-error backoff.
type RetryConfig struct {
	InitialDelayMs int64
	Multiplier     float64
	MaxDelayMs     int64
}

// DefaultRetryConfig is a reasonable general-purpose backoff shape; callers
// override per worker.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{InitialDelayMs: 500, Multiplier: 2, MaxDelayMs: 60_000}
}

// DelayForAttempt returns the backoff delay before the given attempt number
// (1-indexed, matching Job.Attempt after acquisition increments it), capped
// at MaxDelayMs.
func (c RetryConfig) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
	}
	if capped := float64(c.MaxDelayMs); delay > capped {
		delay = capped
	}
	return time.Duration(delay) * time.Millisecond
}

// LeaseConfig bounds how long a worker may hold a running job before a
// reaper is entitled to reclaim it, and how often it must heartbeat.
type LeaseConfig struct {
	LeaseMs        int64
	RenewIntervalMs int64
}

// DefaultLeaseConfig is a reasonable default: a 30s lease renewed every 10s,
// leaving two missed heartbeats of slack before expiry.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{LeaseMs: 30_000, RenewIntervalMs: 10_000}
}

// Validate enforces that the renewal interval is strictly less than the
// lease duration, leaving room for at least one heartbeat before expiry.
func (c LeaseConfig) Validate() error {
	if c.RenewIntervalMs >= c.LeaseMs {
		return errLeaseRenewalTooSlow
	}
	return nil
}
