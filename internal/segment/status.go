package segment

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a transcription job. The values are the
// single-character codes persisted in the store.
type Status string

const (
	StatusPending    Status = "P"
	StatusInProgress Status = "I"
	StatusSuccess    Status = "S"
	StatusFailed     Status = "F"
)

// ErrInvalidTransition is returned when a job is moved along an edge the
// state machine does not allow, including resubmitting a job that is not Failed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Label returns the human readable name of the status
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "In Progress"
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s Status) String() string {
	return s.Label()
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanStart reports whether a worker may begin an attempt from this status.
func (s Status) CanStart() bool {
	return s == StatusPending || s == StatusFailed
}

// CanBeResubmitted reports whether the sweeper may retry a job in this status.
func (s Status) CanBeResubmitted() bool {
	return s == StatusFailed
}

// CanTransition enforces the allowed edges:
//
//	Pending    -> InProgress
//	InProgress -> Success | Failed
//	Failed     -> InProgress
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusSuccess || to == StatusFailed
	case StatusFailed:
		return to == StatusInProgress
	default:
		return false
	}
}

// ParseStatus accepts either the stored code or the label.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "P", "pending", "Pending":
		return StatusPending, nil
	case "I", "in_progress", "In Progress":
		return StatusInProgress, nil
	case "S", "success", "Success":
		return StatusSuccess, nil
	case "F", "failed", "Failed":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

func transitionError(id int64, from, to Status) error {
	return fmt.Errorf("job %d: %s -> %s: %w", id, from.Label(), to.Label(), ErrInvalidTransition)
}
