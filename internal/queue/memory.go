package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	tasks  chan Task
	mu     sync.Mutex
	held   map[string]string
	closed bool
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		tasks: make(chan Task, size),
		held:  make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	key := task.UniqueKey()
	if _, ok := q.held[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicate)
	}

	select {
	case q.tasks <- task:
		q.held[key] = task.ID
		return nil
	default:
		return fmt.Errorf("queue full (%d tasks)", cap(q.tasks))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *MemoryQueue) Release(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := task.UniqueKey()
	if q.held[key] == task.ID {
		delete(q.held, key)
	}
	return nil
}

func (q *MemoryQueue) Held(ctx context.Context, jobID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.held[UniqueKeyFor(jobID)]
	return ok, nil
}

// Len returns the number of queued tasks
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close stops accepting tasks; queued tasks can still be drained.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
