package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the bridge's Prometheus collectors.
//
// All recording methods are safe on a nil receiver so components can take
// an optional *Metrics without guarding every call site.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	start := time.Now()
//	...
//	metrics.RecordToolCall("search_lookup", "success", time.Since(start))
type Metrics struct {
	// ToolCallCounter counts tool invocations.
	// Labels: tool_name, outcome (success|error|canceled|timeout|abandoned|not_found|no_session)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures end-to-end tool call latency in seconds.
	// Labels: tool_name
	// Buckets: 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 120s, 300s
	ToolCallDuration *prometheus.HistogramVec

	// ActiveCorrelations is the number of live correlation entries.
	ActiveCorrelations prometheus.Gauge

	// MaterializedItems counts content items produced from files.
	// Labels: category (inline_image|inline_audio|embedded_text|embedded_binary|resource_link|error)
	MaterializedItems *prometheus.CounterVec

	// ProgressNotices counts status notices by delivery outcome.
	// Labels: outcome (delivered|skipped|failed)
	ProgressNotices *prometheus.CounterVec

	// ResourceReads counts resources/read requests.
	// Labels: status (success|not_found|error)
	ResourceReads *prometheus.CounterVec

	// ConnectedAgents is the number of agent connections registered with the hub.
	ConnectedAgents prometheus.Gauge

	// ArtifactsPruned counts artifact versions removed by the cleanup job.
	ArtifactsPruned prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Passing
// nil registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_tool_calls_total",
				Help: "Total number of tool calls by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbridge_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tool_name"},
		),

		ActiveCorrelations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentbridge_active_correlations",
				Help: "Current number of in-flight agent tasks",
			},
		),

		MaterializedItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_materialized_items_total",
				Help: "Total number of file content items by category",
			},
			[]string{"category"},
		),

		ProgressNotices: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_progress_notices_total",
				Help: "Total number of status notices by delivery outcome",
			},
			[]string{"outcome"},
		),

		ResourceReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_resource_reads_total",
				Help: "Total number of resource reads by status",
			},
			[]string{"status"},
		),

		ConnectedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentbridge_connected_agents",
				Help: "Current number of connected agent providers",
			},
		),

		ArtifactsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentbridge_artifacts_pruned_total",
				Help: "Total number of artifact versions removed by cleanup",
			},
		),
	}
}

// RecordToolCall records one finished tool call.
func (m *Metrics) RecordToolCall(toolName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(toolName, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// CorrelationStarted increments the in-flight gauge.
func (m *Metrics) CorrelationStarted() {
	if m == nil {
		return
	}
	m.ActiveCorrelations.Inc()
}

// CorrelationEnded decrements the in-flight gauge.
func (m *Metrics) CorrelationEnded() {
	if m == nil {
		return
	}
	m.ActiveCorrelations.Dec()
}

// RecordMaterialized counts one produced content item.
func (m *Metrics) RecordMaterialized(category string) {
	if m == nil {
		return
	}
	m.MaterializedItems.WithLabelValues(category).Inc()
}

// RecordNotice counts one status notice.
func (m *Metrics) RecordNotice(outcome string) {
	if m == nil {
		return
	}
	m.ProgressNotices.WithLabelValues(outcome).Inc()
}

// RecordResourceRead counts one resources/read.
func (m *Metrics) RecordResourceRead(status string) {
	if m == nil {
		return
	}
	m.ResourceReads.WithLabelValues(status).Inc()
}

// AgentConnected increments the connected agents gauge.
func (m *Metrics) AgentConnected() {
	if m == nil {
		return
	}
	m.ConnectedAgents.Inc()
}

// AgentDisconnected decrements the connected agents gauge.
func (m *Metrics) AgentDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedAgents.Dec()
}

// RecordPruned adds n to the pruned artifacts counter.
func (m *Metrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArtifactsPruned.Add(float64(n))
}
