package metrics

import (
	"fmt"
	"sync"
	"time"
)

// PipelineMetrics counts what the transcription pipeline has done since start
type PipelineMetrics struct {
	StartTime        time.Time
	Ingested         int
	Rejected         int
	Attempts         int
	Successes        int
	ProviderFailures int
	ProviderErrors   int
	BlobMissing      int
	Crashed          int
	Resubmissions    int
	DedupHits        int
	ProviderTime     time.Duration
	ProviderCalls    int
	mu               sync.Mutex
}

func New() *PipelineMetrics {
	return &PipelineMetrics{StartTime: time.Now()}
}

func (m *PipelineMetrics) add(f func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f()
}

func (m *PipelineMetrics) AddIngested()     { m.add(func() { m.Ingested++ }) }
func (m *PipelineMetrics) AddRejected()     { m.add(func() { m.Rejected++ }) }
func (m *PipelineMetrics) AddAttempt()      { m.add(func() { m.Attempts++ }) }
func (m *PipelineMetrics) AddSuccess()      { m.add(func() { m.Successes++ }) }
func (m *PipelineMetrics) AddBlobMissing()  { m.add(func() { m.BlobMissing++ }) }
func (m *PipelineMetrics) AddCrashed()      { m.add(func() { m.Crashed++ }) }
func (m *PipelineMetrics) AddResubmission() { m.add(func() { m.Resubmissions++ }) }
func (m *PipelineMetrics) AddDedupHit()     { m.add(func() { m.DedupHits++ }) }

// AddProviderCall records one provider round trip and its outcome
func (m *PipelineMetrics) AddProviderCall(d time.Duration, ok bool, transportErr bool) {
	m.add(func() {
		m.ProviderCalls++
		m.ProviderTime += d
		switch {
		case transportErr:
			m.ProviderErrors++
		case !ok:
			m.ProviderFailures++
		}
	})
}

// failures is every attempt that ended Failed; callers hold mu
func (m *PipelineMetrics) failures() int {
	return m.ProviderFailures + m.ProviderErrors + m.BlobMissing + m.Crashed
}

func (m *PipelineMetrics) Summary() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var avgLatency time.Duration
	if m.ProviderCalls > 0 {
		avgLatency = m.ProviderTime / time.Duration(m.ProviderCalls)
	}

	return fmt.Sprintf(
		"Uptime: %v\n"+
			"Segments Ingested: %d\n"+
			"Uploads Rejected: %d\n"+
			"Attempts: %d\n"+
			"Successes: %d\n"+
			"Failed Attempts: %d\n"+
			"Provider Failures: %d\n"+
			"Provider Errors: %d\n"+
			"Blobs Missing: %d\n"+
			"Crashed Attempts: %d\n"+
			"Resubmissions Queued: %d\n"+
			"Duplicate Resubmissions: %d\n"+
			"Average Provider Latency: %v\n",
		time.Since(m.StartTime).Round(time.Second),
		m.Ingested,
		m.Rejected,
		m.Attempts,
		m.Successes,
		m.failures(),
		m.ProviderFailures,
		m.ProviderErrors,
		m.BlobMissing,
		m.Crashed,
		m.Resubmissions,
		m.DedupHits,
		avgLatency,
	)
}
