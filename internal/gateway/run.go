package gateway

import (
	"context"
	"time"

	"github.com/user/vizchat/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one unit of work queued on a chat's lane, typically one AI
// generation.
type Run struct {
	ID        types.RunID
	DocID     types.DocID
	ChatID    types.ChatID
	Status    RunStatus
	Attempts  int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error

	// Ctx is set by the queue before Exec runs. It ends when the queue stops,
	// not when the submitting request does.
	Ctx  context.Context
	Exec func(ctx context.Context) error

	// OnComplete is called once with the run's error when it finishes,
	// including runs failed by a stopping queue before they started.
	OnComplete func(err error)

	done chan struct{}
}

// NewRun creates a Run in the Queued state for the given chat.
func NewRun(docID types.DocID, chatID types.ChatID, exec func(ctx context.Context) error) *Run {
	return &Run{
		ID:        types.NewRunID(),
		DocID:     docID,
		ChatID:    chatID,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
		Exec:      exec,
		done:      make(chan struct{}),
	}
}

// Done is closed once the run has finished, successfully or not.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends, returning the run's error.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) start() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	if err != nil {
		r.Status = RunStatusFailed
	} else {
		r.Status = RunStatusComplete
	}
	if r.OnComplete != nil {
		r.OnComplete(err)
	}
	if r.done != nil {
		close(r.done)
	}
}
