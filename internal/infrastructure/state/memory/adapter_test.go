package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

func TestCreateJobChainStarter(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	id := uuid.New()

	job, deduplicated, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id, TypeName: "greet", ChainID: id, ChainTypeName: "greet", RootChainID: id,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)
	assert.False(t, deduplicated)
	assert.Equal(t, valueobject.JobStatusPending, job.Status)
	assert.True(t, job.IsChainStarter())
}

func TestCreateJobContinuationDedupIsIdempotent(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	chainID := uuid.New()
	originID := uuid.New()

	input := repository.CreateJobInput{
		ID: uuid.New(), TypeName: "step2", ChainID: chainID, ChainTypeName: "step1",
		RootChainID: chainID, OriginID: &originID, Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	}

	first, dup1, err := a.CreateJob(ctx, input)
	require.NoError(t, err)
	assert.False(t, dup1)

	// Same origin retried with a different job id (a re-run handler attempt):
	// must return the original row, not create a second one.
	input.ID = uuid.New()
	second, dup2, err := a.CreateJob(ctx, input)
	require.NoError(t, err)
	assert.True(t, dup2)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateJobKeyDedupScopeCompleted(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	id1 := uuid.New()

	dedup := &valueobject.Deduplication{Key: "nightly-report", Scope: valueobject.DedupScopeCompleted}
	first, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id1, TypeName: "report", ChainID: id1, ChainTypeName: "report", RootChainID: id1,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(), Dedup: dedup,
	})
	require.NoError(t, err)

	// While the original is still active, a second request with the same
	// key is suppressed.
	id2 := uuid.New()
	second, deduplicated, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id2, TypeName: "report", ChainID: id2, ChainTypeName: "report", RootChainID: id2,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(), Dedup: dedup,
	})
	require.NoError(t, err)
	assert.True(t, deduplicated)
	assert.Equal(t, first.ID, second.ID)

	// Once the original completes, DedupScopeCompleted no longer suppresses.
	_, err = a.CompleteJob(ctx, first.ID, []byte(`{}`), nil)
	require.NoError(t, err)

	id3 := uuid.New()
	third, deduplicated, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id3, TypeName: "report", ChainID: id3, ChainTypeName: "report", RootChainID: id3,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(), Dedup: dedup,
	})
	require.NoError(t, err)
	assert.False(t, deduplicated)
	assert.Equal(t, id3, third.ID)
}

func TestCreateJobKeyDedupWindowExpires(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(func() time.Time { return clock })
	ctx := context.Background()
	windowMs := int64(1000)

	id1 := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id1, TypeName: "report", ChainID: id1, ChainTypeName: "report", RootChainID: id1,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
		Dedup: &valueobject.Deduplication{Key: "k", Scope: valueobject.DedupScopeAll, WindowMs: &windowMs},
	})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Second)

	id2 := uuid.New()
	_, deduplicated, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id2, TypeName: "report", ChainID: id2, ChainTypeName: "report", RootChainID: id2,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
		Dedup: &valueobject.Deduplication{Key: "k", Scope: valueobject.DedupScopeAll, WindowMs: &windowMs},
	})
	require.NoError(t, err)
	assert.False(t, deduplicated, "window elapsed, dedup should no longer apply")
}

func TestAcquireJobSkipsJobScheduledInFuture(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(func() time.Time { return clock })
	ctx := context.Background()

	later := uuid.New()
	earlier := uuid.New()
	for _, id := range []uuid.UUID{later, earlier} {
		_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
			ID: id, TypeName: "t", ChainID: id, ChainTypeName: "t", RootChainID: id,
			Input: []byte(`{}`), Schedule: valueobject.Immediately(),
		})
		require.NoError(t, err)
	}
	// Reschedule the "later" job a minute past the fixed clock, so it is not
	// yet acquirable.
	_, err := a.RescheduleJob(ctx, later, valueobject.After(time.Minute), assert.AnError)
	require.NoError(t, err)

	job, hasMore, err := a.AcquireJob(ctx, []string{"t"})
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, earlier, job.ID)
	assert.Equal(t, valueobject.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempt)
}

func TestRenewJobLeaseRejectsOtherWorker(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	id := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id, TypeName: "t", ChainID: id, ChainTypeName: "t", RootChainID: id,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)

	_, err = a.RenewJobLease(ctx, id, "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = a.RenewJobLease(ctx, id, "worker-b", time.Minute)
	assert.ErrorIs(t, err, repository.ErrJobTakenByAnotherWorker)

	// The original owner may keep renewing.
	_, err = a.RenewJobLease(ctx, id, "worker-a", time.Minute)
	assert.NoError(t, err)
}

func TestRenewJobLeaseAfterCompletion(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	id := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id, TypeName: "t", ChainID: id, ChainTypeName: "t", RootChainID: id,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)
	_, err = a.CompleteJob(ctx, id, []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = a.RenewJobLease(ctx, id, "worker-a", time.Minute)
	assert.ErrorIs(t, err, repository.ErrJobAlreadyCompleted)
}

func TestRemoveExpiredJobLease(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := New(func() time.Time { return clock })
	ctx := context.Background()
	id := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: id, TypeName: "t", ChainID: id, ChainTypeName: "t", RootChainID: id,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)
	_, err = a.RenewJobLease(ctx, id, "worker-a", time.Second)
	require.NoError(t, err)

	// Not yet expired.
	job, err := a.RemoveExpiredJobLease(ctx, []string{"t"}, nil)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock = clock.Add(2 * time.Second)
	job, err = a.RemoveExpiredJobLease(ctx, []string{"t"}, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, valueobject.JobStatusPending, job.Status)
	assert.Nil(t, job.LeasedBy)
}

func TestAddJobBlockersBlocksOnIncompleteChain(t *testing.T) {
	a := New(nil)
	ctx := context.Background()

	blockerID := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: blockerID, TypeName: "blocker", ChainID: blockerID, ChainTypeName: "blocker", RootChainID: blockerID,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)

	jobID := uuid.New()
	_, _, err = a.CreateJob(ctx, repository.CreateJobInput{
		ID: jobID, TypeName: "waiter", ChainID: jobID, ChainTypeName: "waiter", RootChainID: jobID,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)

	job, incomplete, err := a.AddJobBlockers(ctx, jobID, []uuid.UUID{blockerID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{blockerID}, incomplete)
	assert.Equal(t, valueobject.JobStatusBlocked, job.Status)

	n, err := a.ScheduleBlockedJobs(ctx, blockerID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "blocker chain hasn't completed yet")

	_, err = a.CompleteJob(ctx, blockerID, []byte(`{}`), nil)
	require.NoError(t, err)

	n, err = a.ScheduleBlockedJobs(ctx, blockerID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unblocked, err := a.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.JobStatusPending, unblocked.Status)
}

func TestDeleteJobsByRootChainIDsRefusesExternalBlockerReference(t *testing.T) {
	a := New(nil)
	ctx := context.Background()

	blockerChain := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: blockerChain, TypeName: "blocker", ChainID: blockerChain, ChainTypeName: "blocker", RootChainID: blockerChain,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)

	outsideJob := uuid.New()
	_, _, err = a.CreateJob(ctx, repository.CreateJobInput{
		ID: outsideJob, TypeName: "waiter", ChainID: outsideJob, ChainTypeName: "waiter", RootChainID: outsideJob,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)
	_, _, err = a.AddJobBlockers(ctx, outsideJob, []uuid.UUID{blockerChain})
	require.NoError(t, err)

	_, err = a.DeleteJobsByRootChainIDs(ctx, []uuid.UUID{blockerChain})
	assert.ErrorIs(t, err, repository.ErrDeletionBlocked)

	// Deleting both the blocker and its referrer together is fine.
	n, err := a.DeleteJobsByRootChainIDs(ctx, []uuid.UUID{blockerChain, outsideJob})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetJobChainByID(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	chainID := uuid.New()
	_, _, err := a.CreateJob(ctx, repository.CreateJobInput{
		ID: chainID, TypeName: "t", ChainID: chainID, ChainTypeName: "t", RootChainID: chainID,
		Input: []byte(`{}`), Schedule: valueobject.Immediately(),
	})
	require.NoError(t, err)

	chain, err := a.GetJobChainByID(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, chainID, chain.Root.ID)
	assert.Equal(t, chainID, chain.Last.ID)
}

func TestGetJobByIDNotFound(t *testing.T) {
	a := New(nil)
	_, err := a.GetJobByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}
