package engine

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/valueobject"
)

// ErrContinuationAlreadyRequested is returned by Completion.ContinueWith when
// called a second time within the same completion callback.
var ErrContinuationAlreadyRequested = errors.New("queuert: continueWith already called for this attempt")

// Completion is handed to a job's completion callback. It exposes the single
// ContinueWith mechanism for chain extension; calling it spawns the next
// step under the same chain_id, with the current job's id as origin_id.
type Completion struct {
	mu           sync.Mutex
	continuation *repository.ContinueWithSpec
	schedule     valueobject.Schedule
}

func newCompletion() *Completion {
	return &Completion{schedule: valueobject.Immediately()}
}

// ContinueWith requests that the current job's chain extend with a new job
// of typeName and input. May be called at most once per completion.
func (c *Completion) ContinueWith(typeName string, input json.RawMessage, schedule valueobject.Schedule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.continuation != nil {
		return ErrContinuationAlreadyRequested
	}
	c.continuation = &repository.ContinueWithSpec{TypeName: typeName, Input: input}
	c.schedule = schedule
	return nil
}

func (c *Completion) requested() (*repository.ContinueWithSpec, valueobject.Schedule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuation, c.schedule
}

// CompleteFn is user code run against a frozen job snapshot. It returns the
// job's output unless it calls ContinueWith on cw, in which case the
// returned output is ignored and must be nil.
type CompleteFn func(cw *Completion) (output json.RawMessage, err error)
