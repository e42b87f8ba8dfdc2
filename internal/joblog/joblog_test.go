package joblog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := logger.Path()
	if !strings.HasSuffix(path, "20250801_jobs.jsonl") {
		t.Errorf("unexpected log path %s", path)
	}

	logger.LogBlobMissing(7, "speech_segments/missing.mp3")
	logger.LogProviderFailure(8, 500, []byte(`{"error":"Internal Server Error"}`))
	logger.LogProviderException(9, errors.New("connection refused"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Event != "blob_missing" || records[0].Path != "speech_segments/missing.mp3" {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].HTTPStatus != 500 || !strings.Contains(records[1].Message, "Internal Server Error") {
		t.Errorf("record 1 = %+v", records[1])
	}
	if records[2].JobID != 9 || records[2].Message != "connection refused" {
		t.Errorf("record 2 = %+v", records[2])
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	logger.LogCrashed(1, "panic")
	if logger.Path() != "" {
		t.Error("nil logger should have no path")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
