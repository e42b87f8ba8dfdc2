package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/queue"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
)

// Handler runs tasks. *Worker satisfies it.
type Handler interface {
	Process(ctx context.Context, id int64) (Outcome, error)
	Resubmit(ctx context.Context, id int64) (Outcome, error)
	HandleCrash(ctx context.Context, id int64, reason string)
}

// Pool consumes the task queue with a fixed number of goroutines. It is the
// task runtime: it recovers panics, calls the crash handler for attempts
// that fail abnormally and releases each task's unique key when done.
type Pool struct {
	queue       queue.Queue
	handler     Handler
	concurrency int

	wg       sync.WaitGroup
	shutdown chan struct{}
	cancel   context.CancelFunc
}

func NewPool(q queue.Queue, handler Handler, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		shutdown:    make(chan struct{}),
	}
}

// Start launches the consumers; they run until Stop or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 1; i <= p.concurrency; i++ {
		p.wg.Add(1)
		go p.consume(ctx, i)
	}
	log.Printf("Worker pool started with %d workers", p.concurrency)
}

// Stop waits for in-flight tasks to finish
func (p *Pool) Stop() {
	close(p.shutdown)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, n int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Printf("Worker %d: dequeue failed: %v", n, err)
			select {
			case <-time.After(time.Second):
			case <-p.shutdown:
				return
			}
			continue
		}

		// In-flight attempts finish even when shutdown starts
		p.Run(context.WithoutCancel(ctx), task)
	}
}

// Run executes one task synchronously.
func (p *Pool) Run(ctx context.Context, task queue.Task) {
	defer func() {
		if err := p.queue.Release(ctx, task); err != nil {
			log.Printf("Job %d: failed to release task %s: %v", task.JobID, task.ID, err)
		}
	}()

	outcome, err := p.execute(ctx, task)
	switch {
	case err == nil:
		log.Printf("Job %d: %s task finished: %s", task.JobID, task.Kind, outcome)
	case errors.Is(err, segment.ErrNotFound), errors.Is(err, segment.ErrInvalidTransition):
		// Rejected before any mutation; nothing to recover
		log.Printf("Job %d: %s task rejected: %v", task.JobID, task.Kind, err)
	default:
		log.Printf("Job %d: %s task failed: %v", task.JobID, task.Kind, err)
		p.handler.HandleCrash(ctx, task.JobID, err.Error())
	}
}

func (p *Pool) execute(ctx context.Context, task queue.Task) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %d: panic in %s task: %v\n%s", task.JobID, task.Kind, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch task.Kind {
	case queue.KindProcess:
		return p.handler.Process(ctx, task.JobID)
	case queue.KindResubmit:
		return p.handler.Resubmit(ctx, task.JobID)
	default:
		return "", fmt.Errorf("unknown task kind %q: %w", task.Kind, segment.ErrInvalidTransition)
	}
}
