package valueobject

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleResolve(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, Immediately().Resolve(now).Equal(now))

	later := now.Add(time.Hour)
	assert.True(t, At(later).Resolve(now).Equal(later))

	assert.True(t, After(30*time.Second).Resolve(now).Equal(now.Add(30*time.Second)))
}

func TestRetryConfigDelayForAttempt(t *testing.T) {
	cfg := RetryConfig{InitialDelayMs: 100, Multiplier: 2, MaxDelayMs: 1000}

	assert.Equal(t, 100*time.Millisecond, cfg.DelayForAttempt(0))
	assert.Equal(t, 100*time.Millisecond, cfg.DelayForAttempt(1))
	assert.Equal(t, 200*time.Millisecond, cfg.DelayForAttempt(2))
	assert.Equal(t, 400*time.Millisecond, cfg.DelayForAttempt(3))

	// Caps at MaxDelayMs rather than growing unbounded.
	assert.Equal(t, 1000*time.Millisecond, cfg.DelayForAttempt(20))
}

func TestLeaseConfigValidate(t *testing.T) {
	assert.NoError(t, LeaseConfig{LeaseMs: 30_000, RenewIntervalMs: 10_000}.Validate())
	assert.Error(t, LeaseConfig{LeaseMs: 10_000, RenewIntervalMs: 10_000}.Validate())
	assert.Error(t, LeaseConfig{LeaseMs: 5_000, RenewIntervalMs: 10_000}.Validate())
}
