package valueobject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobStatus(t *testing.T) {
	for _, raw := range []JobStatus{JobStatusBlocked, JobStatusPending, JobStatusRunning, JobStatusCompleted} {
		got, err := ParseJobStatus(string(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}

	_, err := ParseJobStatus("not-a-status")
	assert.Error(t, err)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusBlocked.Terminal())
}

func TestParseDedupScope(t *testing.T) {
	got, err := ParseDedupScope("")
	require.NoError(t, err)
	assert.Equal(t, DedupScopeCompleted, got)

	got, err = ParseDedupScope("all")
	require.NoError(t, err)
	assert.Equal(t, DedupScopeAll, got)

	_, err = ParseDedupScope("bogus")
	assert.Error(t, err)
}
