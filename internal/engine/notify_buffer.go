package engine

import (
	"context"
	"sync"
)

// NotifyBuffer accumulates jobScheduled wake-ups for the duration of a
// WithNotify call and flushes them once the enclosing work finishes, so a
// transaction that schedules many jobs publishes one coalesced notification
// per type instead of one per job.
type NotifyBuffer struct {
	mu      sync.Mutex
	pending map[string]int
}

func newNotifyBuffer() *NotifyBuffer {
	return &NotifyBuffer{pending: make(map[string]int)}
}

func (b *NotifyBuffer) record(typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[typeName]++
}

func (b *NotifyBuffer) drain() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make(map[string]int)
	return out
}

type notifyBufferKey struct{}

// WithNotify establishes an ambient notify buffer for the duration of fn.
// Engine operations invoked with the ctx passed to fn accumulate
// jobScheduled notifications instead of publishing immediately; once fn
// returns without error, the buffer is flushed to the NotifyAdapter. Callers
// are expected to run their store transaction to completion inside fn, so
// that by the time notifications are flushed the jobs they describe are
// already visible to other workers.
func (e *Engine) WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	buf := newNotifyBuffer()
	bufCtx := context.WithValue(ctx, notifyBufferKey{}, buf)

	if err := fn(bufCtx); err != nil {
		return err
	}

	pending := buf.drain()
	for typeName, count := range pending {
		if err := e.notify.PublishJobScheduled(ctx, typeName, count); err != nil {
			e.logger.Warn("failed to publish jobScheduled notification", "type", typeName, "count", count, "error", err)
		}
	}
	return nil
}

func bufferFromContext(ctx context.Context) (*NotifyBuffer, bool) {
	buf, ok := ctx.Value(notifyBufferKey{}).(*NotifyBuffer)
	return buf, ok
}

// noteJobScheduled records a wake-up for typeName, either into the ambient
// buffer or, if none is active, directly to the log. Correctness never
// depends on this: polling always finds the job eventually.
func (e *Engine) noteJobScheduled(ctx context.Context, typeName string) {
	if buf, ok := bufferFromContext(ctx); ok {
		buf.record(typeName)
		return
	}
	e.logger.Debug("notify_context_absence", "type", typeName)
}
