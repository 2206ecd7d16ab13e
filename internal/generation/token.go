// Package generation tracks the one cancellable LLM generation each chat may
// have in flight.
package generation

import (
	"context"
	"errors"
	"time"
)

// ErrCancelled is the cause reported when a generation is stopped by a user.
var ErrCancelled = errors.New("generation cancelled")

// ErrGenerationActive is returned by TryRegister when the chat already has a
// live generation.
var ErrGenerationActive = errors.New("generation already in progress")

// ErrTimedOut is the cause used when Sweep stops a generation.
var ErrTimedOut = errors.New("generation exceeded maximum duration")

// Token is a cooperative cancellation handle for one generation. Streaming
// loops poll it between increments.
type Token struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	created time.Time
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel, created: time.Now()}
}

// Cancel signals cancellation with ErrCancelled. Safe to call repeatedly.
func (t *Token) Cancel() {
	t.cancel(ErrCancelled)
}

// CancelWithCause signals cancellation with a specific cause.
func (t *Token) CancelWithCause(err error) {
	t.cancel(err)
}

// Cancelled reports whether the token has been signalled.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Err returns nil while the token is live, otherwise the cancellation cause.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context that ends with the token.
func (t *Token) Context() context.Context {
	return t.ctx
}

func (t *Token) CreatedAt() time.Time {
	return t.created
}
