// Package memory provides the in-process task queue feeding the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/render-proxy/internal/proxy"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan proxy.Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan proxy.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends or the
// queue closes.
func (q *Queue) Enqueue(ctx context.Context, task proxy.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. Tasks already
// queued are still handed out after Close.
func (q *Queue) Dequeue(ctx context.Context) (proxy.Task, error) {
	select {
	case task := <-q.ch:
		return task, nil
	default:
	}
	select {
	case <-ctx.Done():
		return proxy.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	case <-q.done:
		return proxy.Task{}, ErrClosed
	}
}

// Len reports the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Blocked enqueuers return ErrClosed immediately.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
