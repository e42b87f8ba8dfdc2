package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestPipelineMetricsCounts(t *testing.T) {
	m := New()
	m.AddIngested()
	m.AddAttempt()
	m.AddAttempt()
	m.AddSuccess()
	m.AddProviderCall(100*time.Millisecond, true, false)
	m.AddProviderCall(300*time.Millisecond, false, false)
	m.AddBlobMissing()

	summary := m.Summary()
	for _, want := range []string{"Segments Ingested: 1", "Attempts: 2", "Provider Failures: 1", "Failed Attempts: 2", "Average Provider Latency: 200ms"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *PipelineMetrics
	m.AddAttempt()
	m.AddProviderCall(time.Second, true, false)
	if m.Summary() != "" {
		t.Error("nil metrics should summarise to nothing")
	}
}
