package observability

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering twice on the same registry should panic")
		}
	}()
	NewMetrics(reg)
}

func TestRecordToolCall(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordToolCall("weather_forecast", "success", 150*time.Millisecond)
	m.RecordToolCall("weather_forecast", "success", 2*time.Second)
	m.RecordToolCall("weather_forecast", "timeout", time.Minute)

	expected := `
		# HELP agentbridge_tool_calls_total Total number of tool calls by tool name and outcome
		# TYPE agentbridge_tool_calls_total counter
		agentbridge_tool_calls_total{outcome="success",tool_name="weather_forecast"} 2
		agentbridge_tool_calls_total{outcome="timeout",tool_name="weather_forecast"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolCallCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.ToolCallDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestCorrelationGauge(t *testing.T) {
	m := newTestMetrics(t)
	m.CorrelationStarted()
	m.CorrelationStarted()
	m.CorrelationEnded()

	if got := testutil.ToFloat64(m.ActiveCorrelations); got != 1 {
		t.Errorf("active correlations = %v, want 1", got)
	}
}

func TestRecordMaterializedAndNotices(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordMaterialized("inline_image")
	m.RecordMaterialized("resource_link")
	m.RecordMaterialized("resource_link")
	m.RecordNotice("delivered")
	m.RecordNotice("skipped")

	if got := testutil.ToFloat64(m.MaterializedItems.WithLabelValues("resource_link")); got != 2 {
		t.Errorf("resource_link = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProgressNotices.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped notices = %v, want 1", got)
	}
}

func TestAgentsAndPruning(t *testing.T) {
	m := newTestMetrics(t)
	m.AgentConnected()
	m.AgentConnected()
	m.AgentDisconnected()
	m.RecordPruned(3)
	m.RecordPruned(0)
	m.RecordResourceRead("not_found")

	if got := testutil.ToFloat64(m.ConnectedAgents); got != 1 {
		t.Errorf("connected agents = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArtifactsPruned); got != 3 {
		t.Errorf("pruned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ResourceReads.WithLabelValues("not_found")); got != 1 {
		t.Errorf("resource reads = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordToolCall("x", "success", time.Second)
	m.CorrelationStarted()
	m.CorrelationEnded()
	m.RecordMaterialized("inline_image")
	m.RecordNotice("failed")
	m.RecordResourceRead("success")
	m.AgentConnected()
	m.AgentDisconnected()
	m.RecordPruned(1)
}

func TestConcurrentMetrics(t *testing.T) {
	m := newTestMetrics(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordToolCall("echo", "success", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("echo", "success")); got != 1000 {
		t.Errorf("tool calls = %v, want 1000", got)
	}
}
