package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvet/queuert/internal/domain/entity"
)

// HandlerFunc processes one attempt of a job. It returns the job's output
// unless it calls cw.ContinueWith, in which case the returned output is
// ignored and must be nil.
type HandlerFunc func(ctx context.Context, job *entity.Job, cw *Completion) (json.RawMessage, error)

// Middleware wraps a HandlerFunc to add cross-cutting behavior (timing,
// panic recovery, per-type rate limiting). Middlewares are applied in
// registration order, outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

func chain(mws []Middleware, handler HandlerFunc) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// Recover is a Middleware that turns a handler panic into an error, so one
// misbehaving job type cannot take down a worker slot.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, job *entity.Job, cw *Completion) (output json.RawMessage, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{TypeName: job.TypeName, Value: r}
				}
			}()
			return next(ctx, job, cw)
		}
	}
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	TypeName string
	Value    interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("queuert: handler panic in %s: %v", e.TypeName, e.Value)
}
