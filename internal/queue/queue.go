package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by Enqueue when a task for the same job is
// already queued or running.
var ErrDuplicate = errors.New("task already queued for job")

// ErrClosed is returned by Dequeue after the queue has been closed
var ErrClosed = errors.New("queue closed")

// Kind selects the handler for a task
type Kind string

const (
	KindProcess  Kind = "process"
	KindResubmit Kind = "resubmit"
)

// Task references one transcription job by id.
type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	JobID      int64     `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask creates a task with a fresh id
func NewTask(kind Kind, jobID int64) Task {
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// UniqueKey is the dedup key: one queued or running task per job.
func (t Task) UniqueKey() string {
	return UniqueKeyFor(t.JobID)
}

// UniqueKeyFor returns the dedup key of any task for jobID
func UniqueKeyFor(jobID int64) string {
	return "segment:" + strconv.FormatInt(jobID, 10)
}

// Queue is the pending-work queue shared by the ingest path, the sweeper
// and the worker pool.
type Queue interface {
	// Enqueue holds the task's unique key until Release and returns
	// ErrDuplicate while another task holds it.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	// Release frees the unique key once the task has finished.
	Release(ctx context.Context, task Task) error
	// Held reports whether some task for jobID still holds its unique key,
	// i.e. is queued or running.
	Held(ctx context.Context, jobID int64) (bool, error)
}
