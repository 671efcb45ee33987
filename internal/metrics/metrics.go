// Package metrics defines the Prometheus metrics for the SOC pipeline.
//
// Metric naming follows Prometheus conventions:
//   - socagents_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AlertsTotal counts alerts emitted by detector and severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_alerts_total",
			Help: "Total alerts emitted by detector and severity.",
		},
		[]string{"detector", "severity"},
	)

	// DecisionsTotal counts analyst decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_decisions_total",
			Help: "Total analyst decisions by outcome.",
		},
		[]string{"decision"},
	)

	// PlaybooksTotal counts playbooks reaching a terminal status.
	PlaybooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_playbooks_total",
			Help: "Total playbooks by terminal status.",
		},
		[]string{"status"},
	)

	// ActionsTotal counts remediation actions by kind and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_actions_total",
			Help: "Total remediation actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// EffectorFailuresTotal counts failed effector dispatches by kind.
	EffectorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_effector_failures_total",
			Help: "Total effector dispatch failures by action kind.",
		},
		[]string{"kind"},
	)

	// BusDroppedTotal counts control-plane messages dropped by topic.
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socagents_bus_dropped_total",
			Help: "Total bus messages dropped by topic.",
		},
		[]string{"topic"},
	)

	// OutboxBackpressureTotal counts alert persistence fallbacks to the
	// synchronous path.
	OutboxBackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socagents_outbox_backpressure_total",
			Help: "Total alert persistence operations that fell back to the synchronous path.",
		},
	)

	// DetectionSeconds is a histogram of full detector-set latency.
	DetectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socagents_detection_seconds",
			Help:    "Latency of a full detector-set pass in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	// QueueDepth is the current remediation queue depth.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socagents_remediation_queue_depth",
			Help: "Current number of playbooks waiting for a worker.",
		},
	)

	// PendingApprovals is the current number of playbooks parked for a human.
	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socagents_pending_approvals",
			Help: "Playbooks currently awaiting human approval.",
		},
	)

	// LearnedPatternsTotal counts pattern variations admitted into detectors.
	LearnedPatternsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socagents_learned_patterns_total",
			Help: "Total pattern variations admitted into the live detectors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AlertsTotal,
		DecisionsTotal,
		PlaybooksTotal,
		ActionsTotal,
		EffectorFailuresTotal,
		BusDroppedTotal,
		OutboxBackpressureTotal,
		DetectionSeconds,
		QueueDepth,
		PendingApprovals,
		LearnedPatternsTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAlert records one emitted alert.
func RecordAlert(detector, severity string) {
	AlertsTotal.WithLabelValues(detector, severity).Inc()
}

// RecordDetection records the latency of one detector-set pass.
func RecordDetection(d time.Duration) {
	DetectionSeconds.Observe(d.Seconds())
}

// RecordDecision records one analyst decision.
func RecordDecision(decision string) {
	DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordPlaybook records a playbook reaching a terminal status.
func RecordPlaybook(status string) {
	PlaybooksTotal.WithLabelValues(status).Inc()
}

// RecordAction records one remediation action outcome.
func RecordAction(kind, outcome string) {
	ActionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordEffectorFailure records one failed effector dispatch.
func RecordEffectorFailure(kind string) {
	EffectorFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordBusDrop records one dropped bus message.
func RecordBusDrop(topic string) {
	BusDroppedTotal.WithLabelValues(topic).Inc()
}
