package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/blob"
	"github.com/amanullahtanweer/segment-transcriber/internal/joblog"
	"github.com/amanullahtanweer/segment-transcriber/internal/metrics"
	"github.com/amanullahtanweer/segment-transcriber/internal/notifier"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
	"github.com/amanullahtanweer/segment-transcriber/internal/transcriber"
)

// DefaultAttemptTimeout bounds blob resolution plus the provider call
const DefaultAttemptTimeout = 2 * time.Minute

// Outcome is how one attempt ended
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeBlobMissing       Outcome = "blob_missing"
	OutcomeProviderFailure   Outcome = "provider_failure"
	OutcomeProviderException Outcome = "provider_exception"
)

// Worker drives one job through one provider attempt. All collaborators are
// supplied at construction; the worker holds no other state.
type Worker struct {
	store          segment.Store
	blobs          blob.Store
	provider       transcriber.Provider
	notifier       notifier.Notifier
	joblog         *joblog.Logger
	metrics        *metrics.PipelineMetrics
	attemptTimeout time.Duration
}

type WorkerConfig struct {
	Store          segment.Store
	Blobs          blob.Store
	Provider       transcriber.Provider
	Notifier       notifier.Notifier
	JobLog         *joblog.Logger
	Metrics        *metrics.PipelineMetrics
	AttemptTimeout time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Worker{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		provider:       cfg.Provider,
		notifier:       cfg.Notifier,
		joblog:         cfg.JobLog,
		metrics:        cfg.Metrics,
		attemptTimeout: cfg.AttemptTimeout,
	}
}

// Process runs the first attempt for a freshly ingested job. The job must
// be Pending or Failed.
func (w *Worker) Process(ctx context.Context, id int64) (Outcome, error) {
	job, err := w.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !job.Status.CanStart() {
		return "", w.reject(job, "process")
	}
	return w.attempt(ctx, job)
}

// Resubmit retries a Failed job. Any other status is rejected with
// segment.ErrInvalidTransition: it means something upstream scheduled a
// retry it should not have.
func (w *Worker) Resubmit(ctx context.Context, id int64) (Outcome, error) {
	job, err := w.load(ctx, id)
	if err != nil {
		return "", err
	}
	if !job.Status.CanBeResubmitted() {
		return "", w.reject(job, "resubmit")
	}
	return w.attempt(ctx, job)
}

func (w *Worker) load(ctx context.Context, id int64) (*segment.Job, error) {
	job, err := w.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, segment.ErrNotFound) {
			log.Printf("Job %d: transcription job not found", id)
		}
		return nil, err
	}
	return job, nil
}

func (w *Worker) reject(job *segment.Job, kind string) error {
	reason := fmt.Sprintf("%s rejected in status %s", kind, job.Status.Label())
	log.Printf("Job %d: %s", job.ID, reason)
	w.joblog.LogRejected(job.ID, reason)
	return fmt.Errorf("job %d: %s: %w", job.ID, reason, segment.ErrInvalidTransition)
}

// attempt follows exactly one path: InProgress, then Success or Failed.
func (w *Worker) attempt(ctx context.Context, job *segment.Job) (Outcome, error) {
	started, err := w.store.Transition(ctx, job.ID, segment.StatusInProgress, "")
	if err != nil {
		return "", err
	}
	w.metrics.AddAttempt()
	w.joblog.LogAttemptStart(job.ID, started.Attempts)
	w.emit(ctx, notifier.InProgress(job.ID))

	// Terminal writes must land even if the caller is shutting down
	finishCtx := context.WithoutCancel(ctx)

	attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
	defer cancel()

	rc, err := w.blobs.Open(attemptCtx, job.FilePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			log.Printf("Job %d: audio file not found at %s", job.ID, job.FilePath)
			w.metrics.AddBlobMissing()
			w.joblog.LogBlobMissing(job.ID, job.FilePath)
			return OutcomeBlobMissing, w.fail(finishCtx, job.ID)
		}
		return "", fmt.Errorf("open blob %s: %w", job.FilePath, err)
	}
	defer rc.Close()

	callStart := time.Now()
	result, err := w.provider.Transcribe(attemptCtx, job.FilePath, rc)
	elapsed := time.Since(callStart)

	if err != nil {
		log.Printf("Job %d: exception while transcribing audio: %v", job.ID, err)
		w.metrics.AddProviderCall(elapsed, false, true)
		w.joblog.LogProviderException(job.ID, err)
		return OutcomeProviderException, w.fail(finishCtx, job.ID)
	}
	if !result.Successful() {
		log.Printf("Job %d: failed to transcribe audio: %v", job.ID, result.Err())
		w.metrics.AddProviderCall(elapsed, false, false)
		w.joblog.LogProviderFailure(job.ID, result.StatusCode, result.Body)
		return OutcomeProviderFailure, w.fail(finishCtx, job.ID)
	}
	w.metrics.AddProviderCall(elapsed, true, false)

	if _, err := w.store.Transition(finishCtx, job.ID, segment.StatusSuccess, result.Text); err != nil {
		return "", fmt.Errorf("record transcription: %w", err)
	}
	w.metrics.AddSuccess()
	w.joblog.LogCompleted(job.ID, elapsed)
	w.emit(finishCtx, notifier.Completed(job.ID, result.Text))
	log.Printf("Job %d: audio transcription completed via %s in %v", job.ID, w.provider.Name(), elapsed.Round(time.Millisecond))
	return OutcomeSuccess, nil
}

func (w *Worker) fail(ctx context.Context, id int64) error {
	if _, err := w.store.Transition(ctx, id, segment.StatusFailed, ""); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	w.emit(ctx, notifier.Failed(id))
	return nil
}

// HandleCrash is the terminal handler for an attempt that ended abnormally.
// It moves an InProgress job to Failed so it is never left stuck; jobs in
// any other status are left alone.
func (w *Worker) HandleCrash(ctx context.Context, id int64, reason string) {
	ctx = context.WithoutCancel(ctx)
	job, err := w.store.Get(ctx, id)
	if err != nil {
		log.Printf("Job %d: crash handler could not load job: %v", id, err)
		return
	}
	if job.Status != segment.StatusInProgress {
		log.Printf("Job %d: crash handler found status %s, leaving as is (%s)", id, job.Status.Label(), reason)
		return
	}

	w.metrics.AddCrashed()
	w.joblog.LogCrashed(id, reason)
	log.Printf("Job %d: job failed while processing audio transcription: %s", id, reason)
	if err := w.fail(ctx, id); err != nil {
		log.Printf("Job %d: crash handler: %v", id, err)
	}
}

func (w *Worker) emit(ctx context.Context, event notifier.Event) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, event); err != nil {
		log.Printf("Job %d: failed to publish %s: %v", event.SegmentID, event.Type, err)
	}
}
