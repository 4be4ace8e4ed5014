package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvet/queuert/internal/domain/entity"
	"github.com/kvet/queuert/internal/domain/valueobject"
	"github.com/kvet/queuert/internal/infrastructure/registry"
)

func singleTypeRegistry(typeName string) *registry.Registry {
	reg := registry.New()
	reg.Register(registry.JobType{
		TypeName:  typeName,
		Entry:     true,
		NewInput:  func() any { return new(map[string]any) },
		NewOutput: func() any { return new(map[string]any) },
	})
	return reg
}

func startChain(t *testing.T, e *Engine, typeName string, input json.RawMessage) *ChainHandle {
	t.Helper()
	var handle *ChainHandle
	err := e.state.RunInTransaction(context.Background(), func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, typeName, input, StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)
	return handle
}

func TestWorkerRunCompletesAcquiredJob(t *testing.T) {
	e, state, _ := newTestEngine(t, singleTypeRegistry("t"))
	handle := startChain(t, e, "t", json.RawMessage(`{}`))

	w := NewWorker(e, WorkerConfig{
		ID: "worker-1", TypeNames: []string{"t"}, Concurrency: 1,
		PollInterval: 10 * time.Millisecond, ReapInterval: time.Hour,
	})
	var handled atomic.Bool
	w.Handle("t", func(ctx context.Context, job *entity.Job, cw *Completion) (json.RawMessage, error) {
		handled.Store(true)
		return json.RawMessage(`{"ok":true}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := state.GetJobByID(context.Background(), handle.ChainID)
		return err == nil && job.Status == valueobject.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-runErr
	assert.True(t, handled.Load())

	job, err := state.GetJobByID(context.Background(), handle.ChainID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(job.Output))
	assert.Equal(t, "worker-1", *job.CompletedBy)
}

func TestWorkerRunReschedulesOnHandlerError(t *testing.T) {
	e, state, _ := newTestEngine(t, singleTypeRegistry("t"))
	handle := startChain(t, e, "t", json.RawMessage(`{}`))

	w := NewWorker(e, WorkerConfig{
		ID: "worker-1", TypeNames: []string{"t"}, Concurrency: 1,
		PollInterval: 10 * time.Millisecond, ReapInterval: time.Hour,
		Retry: valueobject.RetryConfig{InitialDelayMs: 5, Multiplier: 2, MaxDelayMs: 100},
	})
	var attempts atomic.Int32
	failOnce := errors.New("transient failure")
	w.Handle("t", func(ctx context.Context, job *entity.Job, cw *Completion) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, failOnce
		}
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := state.GetJobByID(context.Background(), handle.ChainID)
		return err == nil && job.Status == valueobject.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-runErr
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))

	job, err := state.GetJobByID(context.Background(), handle.ChainID)
	require.NoError(t, err)
	require.NotNil(t, job.LastAttemptError)
	assert.Equal(t, failOnce.Error(), *job.LastAttemptError)
}

func TestWorkerRunRecoversHandlerPanic(t *testing.T) {
	e, state, _ := newTestEngine(t, singleTypeRegistry("t"))
	handle := startChain(t, e, "t", json.RawMessage(`{}`))

	w := NewWorker(e, WorkerConfig{
		ID: "worker-1", TypeNames: []string{"t"}, Concurrency: 1,
		PollInterval: 10 * time.Millisecond, ReapInterval: time.Hour,
		Retry: valueobject.RetryConfig{InitialDelayMs: 5, Multiplier: 2, MaxDelayMs: 100},
	})
	w.Use(Recover())
	var attempts atomic.Int32
	w.Handle("t", func(ctx context.Context, job *entity.Job, cw *Completion) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := state.GetJobByID(context.Background(), handle.ChainID)
		return err == nil && job.Status == valueobject.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-runErr
}

func TestWorkerReapsExpiredLease(t *testing.T) {
	e, state, _ := newTestEngine(t, singleTypeRegistry("t"))
	handle := startChain(t, e, "t", json.RawMessage(`{}`))

	job, hasMore, err := state.AcquireJob(context.Background(), []string{"t"})
	require.NoError(t, err)
	assert.False(t, hasMore)
	_, err = state.RenewJobLease(context.Background(), job.ID, "dead-worker", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	w := NewWorker(e, WorkerConfig{
		ID: "worker-2", TypeNames: []string{"t"}, Concurrency: 1,
		PollInterval: 10 * time.Millisecond, ReapInterval: 5 * time.Millisecond,
	})
	w.Handle("t", func(ctx context.Context, job *entity.Job, cw *Completion) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := state.GetJobByID(context.Background(), handle.ChainID)
		return err == nil && j.Status == valueobject.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-runErr
}
