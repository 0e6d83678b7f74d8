// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pagepress/pagepress/internal/pipeline"
)

// ErrQueueClosed is returned by Dequeue after Close drains the queue.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded in-memory publish queue with context-aware operations.
type Queue struct {
	ch      chan pipeline.PublishTask
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.PublishTask, capacity),
	}
}

// Enqueue pushes a publish task into the queue or returns if the context
// ends. A full queue blocks rather than drops; backpressure reaches the
// submitting request.
func (q *Queue) Enqueue(ctx context.Context, task pipeline.PublishTask) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.PublishTask, error) {
	select {
	case <-ctx.Done():
		return pipeline.PublishTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return pipeline.PublishTask{}, ErrQueueClosed
		}
		return task, nil
	}
}

// Close closes the underlying channel for shutdown. Workers drain what was
// already accepted and then observe ErrQueueClosed.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
