package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/vizchat/internal/types"
)

// ErrQueueFull is returned by Enqueue when a chat's lane buffer is full.
var ErrQueueFull = errors.New("queue full")

// ErrQueueStopped is the error of runs still queued when the queue stops.
var ErrQueueStopped = errors.New("queue stopped")

const laneBuffer = 100

// Queue manages per-chat lanes with a global concurrency semaphore.
// Each chat gets its own FIFO channel (lane) so that runs within a
// chat are processed sequentially, while the semaphore limits the
// total number of concurrent runs across all chats.
type Queue struct {
	lanes     map[types.ChatID]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all chat lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.ChatID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, waits for in-flight
// runs and fails the runs that never started.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()

	for _, lane := range q.lanes {
		for run := range lane {
			run.finish(ErrQueueStopped)
		}
	}
}

// Enqueue adds a Run to the chat's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueStopped
	}
	if run.done == nil {
		run.done = make(chan struct{})
	}

	lane, exists := q.lanes[run.ChatID]
	if !exists {
		lane = make(chan *Run, laneBuffer)
		q.lanes[run.ChatID] = lane
		q.wg.Add(1)
		go q.processLane(run.ChatID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w for chat %s", ErrQueueFull, run.ChatID)
	}
}

// processLane drains a single chat lane, acquiring a semaphore slot
// before running synchronously. This keeps strict FIFO ordering within
// a chat while the semaphore limits cross-chat parallelism.
func (q *Queue) processLane(chatID types.ChatID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if q.ctx.Err() != nil {
				run.finish(ErrQueueStopped)
				continue
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				run.finish(ErrQueueStopped)
				return
			}
			q.active.Add(1)
			run.Ctx = q.ctx
			run.start()
			err := q.process(run)
			if err != nil {
				slog.Error("run failed", "run_id", string(run.ID), "chat_id", string(chatID), "doc_id", string(run.DocID), "error", err)
			}
			run.finish(err)
			q.active.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(run *Run) error {
	if q.processor != nil {
		return q.processor(run)
	}
	if run.Exec != nil {
		return run.Exec(run.Ctx)
	}
	return nil
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Active returns the number of runs currently executing.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// SetProcessor overrides how dequeued runs are executed. By default a run's
// own Exec is called.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
