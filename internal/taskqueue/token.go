package taskqueue

import (
	"context"
	"sync"
)

// Token is the cancellation handle of a running task. Pipeline stages
// observe Context at every suspension point and deliver output only through
// Guard. Once abort has returned no Guard callback runs again.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	fence  sync.Mutex
	closed bool
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// NewDetachedToken builds a token outside any queue, for callers that drive
// a pipeline directly.
func NewDetachedToken(parent context.Context) (*Token, func(cause error)) {
	t := newToken(parent)
	return t, t.abort
}

func (t *Token) Context() context.Context {
	return t.ctx
}

// Err reports why the token stopped, or nil while it is live.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Guard runs fn while holding the emission fence. It returns false without
// calling fn once the token is cancelled.
func (t *Token) Guard(fn func()) bool {
	t.fence.Lock()
	defer t.fence.Unlock()
	if t.closed || t.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// abort cancels first so an emitter blocked on transport backpressure wakes
// up, then waits for any in-progress Guard to drain before closing the fence.
func (t *Token) abort(cause error) {
	t.cancel(cause)
	t.fence.Lock()
	t.closed = true
	t.fence.Unlock()
}
