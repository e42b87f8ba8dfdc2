package joblog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes structured JSONL diagnostic records for transcription jobs.
// Operator-only: nothing here reaches clients. A nil *Logger is a no-op.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Record is one line of the job log
type Record struct {
	Timestamp  string            `json:"ts"`
	Event      string            `json:"event"`
	JobID      int64             `json:"job_id"`
	Status     string            `json:"status,omitempty"`
	Path       string            `json:"path,omitempty"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Message    string            `json:"message,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// New opens (appending) a log under dir. Filename is the start date.
func New(dir string, started time.Time) (*Logger, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_jobs.jsonl", started.Format("20060102")))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, now: time.Now}, nil
}

// Path returns the log file name, or "" for a closed or nil logger
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) write(rec Record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	rec.Message = strings.TrimSpace(rec.Message)
	_ = json.NewEncoder(l.file).Encode(rec)
}

func (l *Logger) LogQueued(jobID int64, kind string) {
	l.write(Record{Event: "queued", JobID: jobID, Details: map[string]string{"kind": kind}})
}

func (l *Logger) LogAttemptStart(jobID int64, attempt int) {
	l.write(Record{Event: "attempt_start", JobID: jobID, Status: "I", Details: map[string]string{"attempt": fmt.Sprint(attempt)}})
}

func (l *Logger) LogCompleted(jobID int64, latency time.Duration) {
	l.write(Record{Event: "completed", JobID: jobID, Status: "S", Details: map[string]string{"latency": latency.String()}})
}

func (l *Logger) LogBlobMissing(jobID int64, path string) {
	l.write(Record{Event: "blob_missing", JobID: jobID, Status: "F", Path: path})
}

// LogProviderFailure keeps the response status and (truncated) body
func (l *Logger) LogProviderFailure(jobID int64, httpStatus int, body []byte) {
	const maxBody = 4096
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	l.write(Record{Event: "provider_failure", JobID: jobID, Status: "F", HTTPStatus: httpStatus, Message: string(body)})
}

func (l *Logger) LogProviderException(jobID int64, err error) {
	l.write(Record{Event: "provider_exception", JobID: jobID, Status: "F", Message: err.Error()})
}

func (l *Logger) LogCrashed(jobID int64, reason string) {
	l.write(Record{Event: "crashed", JobID: jobID, Status: "F", Message: reason})
}

func (l *Logger) LogRejected(jobID int64, reason string) {
	l.write(Record{Event: "rejected", JobID: jobID, Message: reason})
}
