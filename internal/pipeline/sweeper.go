package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/joblog"
	"github.com/amanullahtanweer/segment-transcriber/internal/metrics"
	"github.com/amanullahtanweer/segment-transcriber/internal/queue"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepPageSize = 100
	// DefaultStuckAfter leaves a minute for terminal writes after the
	// attempt timeout.
	DefaultStuckAfter = DefaultAttemptTimeout + time.Minute
)

// CrashHandler fails a job whose attempt ended abnormally. *Worker
// satisfies it.
type CrashHandler interface {
	HandleCrash(ctx context.Context, id int64, reason string)
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Queued     int
	Duplicates int
	Exhausted  int
	Recovered  int
	Abandoned  int
}

// Sweeper periodically re-queues Failed jobs, one page at a time.
//
// MaxAttempts > 0 stops retrying a job once it has had that many attempts.
// PendingAfter > 0 also re-queues Pending jobs older than that, covering
// a process task lost before its attempt started.
//
// An InProgress job untouched for StuckAfter whose unique key is no longer
// held lost its worker mid-attempt (the key expires with the dead process).
// It goes through the crash handler, ending Failed, and is retried like any
// other Failed job.
type Sweeper struct {
	store        segment.Store
	queue        queue.Queue
	interval     time.Duration
	pageSize     int
	maxAttempts  int
	pendingAfter time.Duration
	stuckAfter   time.Duration
	crash        CrashHandler
	metrics      *metrics.PipelineMetrics
	joblog       *joblog.Logger
	now          func() time.Time
}

type SweeperConfig struct {
	Store        segment.Store
	Queue        queue.Queue
	Interval     time.Duration
	PageSize     int
	MaxAttempts  int
	PendingAfter time.Duration
	StuckAfter   time.Duration
	Crash        CrashHandler
	Metrics      *metrics.PipelineMetrics
	JobLog       *joblog.Logger
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSweepPageSize
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	return &Sweeper{
		store:        cfg.Store,
		queue:        cfg.Queue,
		interval:     cfg.Interval,
		pageSize:     cfg.PageSize,
		maxAttempts:  cfg.MaxAttempts,
		pendingAfter: cfg.PendingAfter,
		stuckAfter:   cfg.StuckAfter,
		crash:        cfg.Crash,
		metrics:      cfg.Metrics,
		joblog:       cfg.JobLog,
		now:          time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Sweeper: resubmitting failed transcriptions every %v", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("Sweeper: sweep failed: %v", err)
				continue
			}
			if res.Queued+res.Duplicates+res.Exhausted+res.Recovered+res.Abandoned > 0 {
				log.Printf("Sweeper: queued %d, already queued %d, exhausted %d, recovered pending %d, failed abandoned %d",
					res.Queued, res.Duplicates, res.Exhausted, res.Recovered, res.Abandoned)
			}
		}
	}
}

// Sweep fails abandoned attempts, then re-queues Failed (and optionally
// stale Pending) jobs.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if s.crash != nil {
		abandoned, err := s.failAbandoned(ctx)
		res.Abandoned = abandoned
		if err != nil {
			return res, err
		}
	}

	err := s.eachPage(ctx, segment.StatusFailed, func(job *segment.Job) error {
		if s.maxAttempts > 0 && job.Attempts >= s.maxAttempts {
			res.Exhausted++
			return nil
		}
		queued, err := s.enqueue(ctx, queue.KindResubmit, job.ID)
		if err != nil {
			return err
		}
		if queued {
			res.Queued++
			s.metrics.AddResubmission()
		} else {
			res.Duplicates++
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	if s.pendingAfter <= 0 {
		return res, nil
	}
	cutoff := s.now().Add(-s.pendingAfter)
	err = s.eachPage(ctx, segment.StatusPending, func(job *segment.Job) error {
		if job.CreatedAt.After(cutoff) {
			return nil
		}
		queued, err := s.enqueue(ctx, queue.KindProcess, job.ID)
		if err != nil {
			return err
		}
		if queued {
			res.Recovered++
		}
		return nil
	})
	return res, err
}

func (s *Sweeper) failAbandoned(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.stuckAfter)
	var n int
	err := s.eachPage(ctx, segment.StatusInProgress, func(job *segment.Job) error {
		if job.UpdatedAt.After(cutoff) {
			return nil
		}
		held, err := s.queue.Held(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("check task for job %d: %w", job.ID, err)
		}
		if held {
			return nil
		}
		s.crash.HandleCrash(ctx, job.ID, fmt.Sprintf("attempt abandoned: in progress since %s with no live task",
			job.UpdatedAt.Format(time.RFC3339)))
		n++
		return nil
	})
	return n, err
}

// Resubmit queues a single Failed job on demand.
func (s *Sweeper) Resubmit(ctx context.Context, id int64) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.CanBeResubmitted() {
		return fmt.Errorf("job %d is %s: %w", id, job.Status.Label(), segment.ErrInvalidTransition)
	}
	task := queue.NewTask(queue.KindResubmit, id)
	if err := s.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.metrics.AddDedupHit()
		}
		return err
	}
	s.metrics.AddResubmission()
	s.joblog.LogQueued(id, string(task.Kind))
	return nil
}

// enqueue reports false when a task for the job is already queued or running
func (s *Sweeper) enqueue(ctx context.Context, kind queue.Kind, id int64) (bool, error) {
	task := queue.NewTask(kind, id)
	if err := s.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.metrics.AddDedupHit()
			return false, nil
		}
		return false, fmt.Errorf("queue %s for job %d: %w", kind, id, err)
	}
	s.joblog.LogQueued(id, string(kind))
	log.Printf("Sweeper: dispatching %s task for job %d", kind, id)
	return true, nil
}

func (s *Sweeper) eachPage(ctx context.Context, status segment.Status, fn func(*segment.Job) error) error {
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.store.ListByStatus(ctx, status, after, s.pageSize)
		if err != nil {
			return fmt.Errorf("list %s jobs after %d: %w", status.Label(), after, err)
		}
		for _, job := range page {
			if err := fn(job); err != nil {
				return err
			}
			after = job.ID
		}
		if len(page) < s.pageSize {
			return nil
		}
	}
}
