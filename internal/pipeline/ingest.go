package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/blob"
	"github.com/amanullahtanweer/segment-transcriber/internal/joblog"
	"github.com/amanullahtanweer/segment-transcriber/internal/metrics"
	"github.com/amanullahtanweer/segment-transcriber/internal/queue"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
)

// ErrValidation is returned for uploads that are empty, too large or not
// an accepted audio container. Nothing is stored for them.
var ErrValidation = errors.New("invalid audio upload")

// DefaultMaxUploadBytes caps one speech segment
const DefaultMaxUploadBytes = 10 << 20

// acceptedTypes maps accepted MIME types to the stored extension
var acceptedTypes = map[string]string{
	"audio/wav":       "wav",
	"audio/wave":      "wav",
	"audio/x-wav":     "wav",
	"audio/vnd.wave":  "wav",
	"audio/mpeg":      "mp3",
	"audio/mp3":       "mp3",
	"audio/ogg":       "ogg",
	"application/ogg": "ogg",
	"audio/webm":      "webm",
	"video/webm":      "webm",
}

var acceptedExtensions = map[string]bool{
	"wav":  true,
	"mp3":  true,
	"ogg":  true,
	"oga":  true,
	"webm": true,
}

// Upload is one audio segment as received from a client
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Ingestor stores an uploaded segment, creates its job and queues it.
type Ingestor struct {
	blobs    blob.Store
	store    segment.Store
	queue    queue.Queue
	metrics  *metrics.PipelineMetrics
	joblog   *joblog.Logger
	maxBytes int64
	now      func() time.Time
}

type IngestorConfig struct {
	Blobs    blob.Store
	Store    segment.Store
	Queue    queue.Queue
	Metrics  *metrics.PipelineMetrics
	JobLog   *joblog.Logger
	MaxBytes int64
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxUploadBytes
	}
	return &Ingestor{
		blobs:    cfg.Blobs,
		store:    cfg.Store,
		queue:    cfg.Queue,
		metrics:  cfg.Metrics,
		joblog:   cfg.JobLog,
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
	}
}

// Ingest returns the new job id without waiting for transcription.
// A job record only exists after its blob is written, and a task is only
// queued after the record is persisted. A failed step undoes the earlier ones.
func (in *Ingestor) Ingest(ctx context.Context, up Upload) (int64, error) {
	ext, err := extensionFor(up.Filename, up.ContentType)
	if err != nil {
		in.metrics.AddRejected()
		return 0, err
	}
	if up.Body == nil {
		in.metrics.AddRejected()
		return 0, fmt.Errorf("missing audio body: %w", ErrValidation)
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, in.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("read upload: %w", err)
	}
	switch {
	case len(data) == 0:
		in.metrics.AddRejected()
		return 0, fmt.Errorf("empty audio file: %w", ErrValidation)
	case int64(len(data)) > in.maxBytes:
		in.metrics.AddRejected()
		return 0, fmt.Errorf("audio file larger than %d bytes: %w", in.maxBytes, ErrValidation)
	}

	path, err := blob.SegmentPath(in.now(), ext)
	if err != nil {
		return 0, err
	}
	if err := in.blobs.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("store audio blob: %w", err)
	}

	job, err := in.store.Create(ctx, path)
	if err != nil {
		in.removeBlob(context.WithoutCancel(ctx), path)
		return 0, fmt.Errorf("create transcription job: %w", err)
	}

	task := queue.NewTask(queue.KindProcess, job.ID)
	if err := in.queue.Enqueue(ctx, task); err != nil {
		log.Printf("Job %d: failed to queue processing task: %v", job.ID, err)
		in.rollback(context.WithoutCancel(ctx), job.ID, path)
		return 0, fmt.Errorf("queue job %d: %w", job.ID, err)
	}

	in.metrics.AddIngested()
	in.joblog.LogQueued(job.ID, string(task.Kind))
	log.Printf("Job %d: received %d bytes, stored at %s", job.ID, len(data), path)
	return job.ID, nil
}

// rollback removes the record and blob of an ingest whose task could not be
// queued. If the record cannot be removed it stays Pending for the sweeper's
// pending recovery, and its blob is kept.
func (in *Ingestor) rollback(ctx context.Context, id int64, path string) {
	if err := in.store.Delete(ctx, id); err != nil {
		log.Printf("Job %d: rollback failed, left Pending for recovery: %v", id, err)
		return
	}
	in.removeBlob(ctx, path)
}

func (in *Ingestor) removeBlob(ctx context.Context, path string) {
	if err := in.blobs.Delete(ctx, path); err != nil {
		log.Printf("Ingest: failed to remove orphan blob %s: %v", path, err)
	}
}

// extensionFor validates the declared filename and content type and
// returns the extension the blob is stored under.
func extensionFor(filename, contentType string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")

	mediaType := ""
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return "", fmt.Errorf("bad content type %q: %w", contentType, ErrValidation)
		}
		mediaType = mt
	}

	if mediaType != "" && mediaType != "application/octet-stream" {
		typeExt, ok := acceptedTypes[mediaType]
		if !ok {
			return "", fmt.Errorf("content type %s not accepted: %w", mediaType, ErrValidation)
		}
		if ext == "" {
			return typeExt, nil
		}
	}

	if ext == "" {
		return "", fmt.Errorf("cannot determine audio type of %q: %w", filename, ErrValidation)
	}
	if !acceptedExtensions[ext] {
		return "", fmt.Errorf("extension .%s not accepted: %w", ext, ErrValidation)
	}
	return ext, nil
}
