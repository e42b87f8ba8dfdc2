package segment

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no job exists for an id
var ErrNotFound = errors.New("transcription job not found")

// Job is one audio segment's transcription lifecycle record.
// Transcription is non-nil exactly when Status is StatusSuccess.
type Job struct {
	ID            int64     `json:"id"`
	FilePath      string    `json:"file_path"`
	Transcription *string   `json:"transcription"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Text returns the transcription or an empty string
func (j *Job) Text() string {
	if j.Transcription == nil {
		return ""
	}
	return *j.Transcription
}

// Store persists transcription jobs. Every Transition is applied as one
// atomic write; readers never observe a status without its transcription.
type Store interface {
	// Create stores a new Pending job referencing filePath.
	Create(ctx context.Context, filePath string) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	// Transition validates the edge with CanTransition and applies it.
	// transcription is only stored when to is StatusSuccess.
	Transition(ctx context.Context, id int64, to Status, transcription string) (*Job, error)
	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]*Job, error)
	// ListByStatus pages through jobs in a status by ascending id,
	// returning at most limit jobs with an id greater than afterID.
	// A page shorter than limit is the last one.
	ListByStatus(ctx context.Context, status Status, afterID int64, limit int) ([]*Job, error)
	// Delete removes a job that is still Pending. It undoes an ingest whose
	// task could not be queued; any other status is ErrInvalidTransition.
	Delete(ctx context.Context, id int64) error
}

// apply mutates j for a validated transition. Shared by the stores.
func apply(j *Job, to Status, transcription string, now time.Time) {
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case StatusSuccess:
		text := transcription
		j.Transcription = &text
	case StatusInProgress:
		j.Attempts++
		j.Transcription = nil
	default:
		j.Transcription = nil
	}
}
