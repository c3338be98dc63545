// Package memory provides the in-process task queue shared by a job's workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// ErrTooManyDone is returned when MarkDone is called more often than tasks were enqueued.
var ErrTooManyDone = errors.New("mark done called too many times")

// Queue is an unbounded FIFO of tasks with an outstanding-work counter.
// A task is outstanding from Enqueue until the matching MarkDone, so Join
// waits for processing to finish, not merely for the buffer to empty.
type Queue struct {
	mu          sync.Mutex
	items       []crawler.Task
	outstanding int
	closed      bool
	// ready holds at most one wake-up token for blocked dequeuers.
	ready chan struct{}
	// idle is closed whenever outstanding is zero.
	idle chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ready: make(chan struct{}, 1),
		idle:  idle,
	}
}

// Enqueue appends a task to the tail. It never blocks.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, task)
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the head task, blocking until one is available, the context
// ends or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = crawler.Task{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawler.Task{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// MarkDone records that one dequeued task has been fully processed.
func (q *Queue) MarkDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return ErrTooManyDone
	}
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
	return nil
}

// Join blocks until every enqueued task has been dequeued and marked done.
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	}
}

// Len returns the number of tasks waiting to be dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Outstanding returns the number of tasks enqueued but not yet marked done.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Close wakes blocked dequeuers; queued tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
