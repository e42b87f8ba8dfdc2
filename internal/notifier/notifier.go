package notifier

import (
	"context"
	"sync"
	"time"
)

// EventType names a job lifecycle event as seen by clients
type EventType string

const (
	EventInProgress EventType = "TranscriptionInProgress"
	EventCompleted  EventType = "TranscriptionCompleted"
	EventFailed     EventType = "TranscriptionFailed"
)

// Event is pushed to connected clients. Transcription is only set on
// EventCompleted.
type Event struct {
	Type          EventType `json:"event"`
	SegmentID     int64     `json:"segmentId"`
	Transcription string    `json:"transcription,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func InProgress(id int64) Event {
	return Event{Type: EventInProgress, SegmentID: id, Timestamp: time.Now().UTC()}
}

func Completed(id int64, transcription string) Event {
	return Event{Type: EventCompleted, SegmentID: id, Transcription: transcription, Timestamp: time.Now().UTC()}
}

func Failed(id int64) Event {
	return Event{Type: EventFailed, SegmentID: id, Timestamp: time.Now().UTC()}
}

// Notifier delivers lifecycle events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Recorder keeps every event in memory in delivery order
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of all recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForSegment returns the event types recorded for one job, in order
func (r *Recorder) ForSegment(id int64) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []EventType
	for _, e := range r.events {
		if e.SegmentID == id {
			types = append(types, e.Type)
		}
	}
	return types
}
