package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
	"github.com/kvet/queuert/internal/infrastructure/logging"
	notifymemory "github.com/kvet/queuert/internal/infrastructure/notify/memory"
	"github.com/kvet/queuert/internal/infrastructure/registry"
	statememory "github.com/kvet/queuert/internal/infrastructure/state/memory"
)

func newTestEngine(t *testing.T, reg *registry.Registry) (*Engine, *statememory.Adapter, *notifymemory.Adapter) {
	t.Helper()
	state := statememory.New(nil)
	notify := notifymemory.New()
	logger := logging.New(slog.LevelError, "json")
	return New(state, notify, reg, logger, nil), state, notify
}

func greetFarewellRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.JobType{
		TypeName:    "greet",
		Entry:       true,
		NewInput:    func() any { return new(map[string]any) },
		NewOutput:   func() any { return new(map[string]any) },
		ContinuesTo: []string{"farewell"},
		BlocksOn:    []string{"prep"},
	})
	reg.Register(registry.JobType{
		TypeName:  "farewell",
		NewInput:  func() any { return new(map[string]any) },
		NewOutput: func() any { return new(map[string]any) },
	})
	reg.Register(registry.JobType{
		TypeName:  "prep",
		Entry:     true,
		NewInput:  func() any { return new(map[string]any) },
		NewOutput: func() any { return new(map[string]any) },
	})
	return reg
}

func TestStartJobChainRejectsNonEntryType(t *testing.T) {
	e, _, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var valErr *repository.JobTypeValidationError
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		_, _, err := e.StartJobChain(ctx, "farewell", json.RawMessage(`{}`), StartJobChainOptions{})
		return err
	})
	require.Error(t, err)
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, "validateEntry", valErr.Hook)
}

func TestStartJobChainCreatesPendingJob(t *testing.T) {
	e, state, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, deduplicated, err := e.StartJobChain(ctx, "greet", json.RawMessage(`{"name":"ada"}`), StartJobChainOptions{})
		assert.False(t, deduplicated)
		handle = h
		return err
	})
	require.NoError(t, err)

	job, err := state.GetJobByID(ctx, handle.ChainID)
	require.NoError(t, err)
	assert.Equal(t, "greet", job.TypeName)
	assert.Equal(t, valueobject.JobStatusPending, job.Status)
}

func TestStartJobChainWithIncompleteBlockerStaysBlocked(t *testing.T) {
	e, state, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var prepHandle *ChainHandle
	var greetHandle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "prep", json.RawMessage(`{}`), StartJobChainOptions{})
		prepHandle = h
		return err
	})
	require.NoError(t, err)

	err = e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "greet", json.RawMessage(`{}`), StartJobChainOptions{
			Blockers: []ChainHandle{*prepHandle},
		})
		greetHandle = h
		return err
	})
	require.NoError(t, err)

	job, err := state.GetJobByID(ctx, greetHandle.ChainID)
	require.NoError(t, err)
	assert.Equal(t, "blocked", job.Status.String())
}

func TestCompleteJobChainWithContinuation(t *testing.T) {
	e, state, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "greet", json.RawMessage(`{}`), StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)

	err = e.CompleteJobChain(ctx, handle.ChainID, func(cw *Completion) (json.RawMessage, error) {
		return nil, cw.ContinueWith("farewell", json.RawMessage(`{}`), valueobject.Immediately())
	})
	require.NoError(t, err)

	chain, err := state.GetJobChainByID(ctx, handle.ChainID)
	require.NoError(t, err)
	assert.Equal(t, "farewell", chain.Last.TypeName)
	assert.Equal(t, "pending", chain.Last.Status.String())
}

func TestCompleteJobChainWithOutputPublishesCompletion(t *testing.T) {
	e, _, notify := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "prep", json.RawMessage(`{}`), StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)

	ch, unsubscribe, err := notify.SubscribeJobChainCompleted(ctx, handle.ChainID)
	require.NoError(t, err)
	defer unsubscribe()

	err = e.CompleteJobChain(ctx, handle.ChainID, func(cw *Completion) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected jobChainCompleted notification")
	}
}

func TestCompleteJobChainTwiceReturnsAlreadyCompleted(t *testing.T) {
	e, _, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "prep", json.RawMessage(`{}`), StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)

	completeFn := func(cw *Completion) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	require.NoError(t, e.CompleteJobChain(ctx, handle.ChainID, completeFn))

	err = e.CompleteJobChain(ctx, handle.ChainID, completeFn)
	assert.ErrorIs(t, err, repository.ErrJobAlreadyCompleted)
}

func TestWaitForJobChainCompletionTimesOut(t *testing.T) {
	e, _, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "prep", json.RawMessage(`{}`), StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)

	_, err = e.WaitForJobChainCompletion(ctx, handle.ChainID, WaitForJobChainCompletionOptions{
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, repository.ErrChainWaitTimeout)
}

func TestWaitForJobChainCompletionReturnsOutputOnceComplete(t *testing.T) {
	e, _, _ := newTestEngine(t, greetFarewellRegistry())
	ctx := context.Background()

	var handle *ChainHandle
	err := e.state.RunInTransaction(ctx, func(ctx context.Context) error {
		h, _, err := e.StartJobChain(ctx, "prep", json.RawMessage(`{}`), StartJobChainOptions{})
		handle = h
		return err
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_ = e.CompleteJobChain(ctx, handle.ChainID, func(cw *Completion) (json.RawMessage, error) {
			return json.RawMessage(`{"done":true}`), nil
		})
	}()

	output, err := e.WaitForJobChainCompletion(ctx, handle.ChainID, WaitForJobChainCompletionOptions{
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(output))
	<-done
}
