package session

import "context"

// replyUnit is one cancellable generate-then-synthesize unit of work. The
// engine holds at most one at a time; cancellation is idempotent and safe
// after completion, and the engine re-checks the unit before acting on any
// of its results, so a cancelled unit can produce no side effects.
type replyUnit struct {
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64
	done   chan struct{}

	// delivered is set once the unit's audio has been sent to the carrier.
	// Guarded by the engine mutex.
	delivered bool
}

func newReplyUnit(parent context.Context, seq uint64) *replyUnit {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &replyUnit{ctx: ctx, cancel: cancel, seq: seq, done: make(chan struct{})}
}

// Cancel aborts whichever pipeline step is outstanding. No-op if the unit
// already completed.
func (u *replyUnit) Cancel() { u.cancel() }

// Finished reports whether the pipeline goroutine has returned.
func (u *replyUnit) Finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// Cancelled reports whether the unit was cancelled.
func (u *replyUnit) Cancelled() bool { return u.ctx.Err() != nil }
