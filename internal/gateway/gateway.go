// Package gateway runs AI generations on per-chat lanes, detached from the
// requests that started them.
package gateway

import (
	"context"
	"fmt"

	"github.com/user/vizchat/internal/types"
)

// Gateway wraps submitted work in Runs and queues them on the chat's lane.
type Gateway struct {
	Queue *Queue
	retry *RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway with the given concurrency limit for simultaneous
// runs across all chats.
func New(maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		Queue: NewQueue(concurrency),
		retry: DefaultRetryPolicy(),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and stops the queue, which waits for
// running work to return.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// Retry returns the policy used for provider calls.
func (g *Gateway) Retry() *RetryPolicy {
	return g.retry
}

// SetRetry replaces the retry policy.
func (g *Gateway) SetRetry(p *RetryPolicy) {
	if p != nil {
		g.retry = p
	}
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run finishes.
func WithOnComplete(fn func(error)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// Submit queues exec on the chat's lane and returns the run without
// waiting for it.
func (g *Gateway) Submit(docID types.DocID, chatID types.ChatID, exec func(ctx context.Context) error, opts ...RunOption) (*Run, error) {
	run := NewRun(docID, chatID, exec)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	return run, nil
}

// Do queues exec and waits for it. Cancelling ctx stops the wait, not the run.
func (g *Gateway) Do(ctx context.Context, docID types.DocID, chatID types.ChatID, exec func(ctx context.Context) error, opts ...RunOption) error {
	run, err := g.Submit(docID, chatID, exec, opts...)
	if err != nil {
		return err
	}
	return run.Wait(ctx)
}
