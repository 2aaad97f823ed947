package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the telemetry core.
// These metrics can be scraped by Prometheus and visualized in Grafana.
var (
	// Session layer
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fs_sessions_active",
		Help: "Current number of authenticated device sessions",
	})

	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fs_sessions_total",
		Help: "Total number of device sessions established",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_sessions_closed_total",
		Help: "Total sessions closed by reason",
	}, []string{"reason"})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_auth_failures_total",
		Help: "Total authentication failures by cause",
	}, []string{"cause"})

	// Pre-filter
	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fs_prefilter_packets_total",
		Help: "Total data packets seen by the pre-filter",
	})

	PacketsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_prefilter_filtered_total",
		Help: "Total data packets dropped by the pre-filter, by reason",
	}, []string{"reason"})

	// Queue
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_queue_publish_failures_total",
		Help: "Total publishes that exhausted their retry budget, by topic",
	}, []string{"topic"})

	MessagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_queue_messages_consumed_total",
		Help: "Total messages consumed, by topic and consumer group",
	}, []string{"topic", "group"})

	// Evaluator
	RulesEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fs_rules_evaluated_total",
		Help: "Total rule evaluations performed",
	})

	AlarmsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_alarms_emitted_total",
		Help: "Total candidate alarms emitted, by severity",
	}, []string{"severity"})

	RuleUpdateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_rule_update_latency_seconds",
		Help:    "End-to-end latency of threshold updates reaching the evaluator",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
	})

	// Deduplication (advisory)
	DedupSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fs_dedup_suppressed_total",
		Help: "Total alarms suppressed as duplicates within the window",
	})

	DedupRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fs_dedup_rate",
		Help: "Advisory deduplication rate percentage (HLL estimate)",
	})

	// Distributor
	SinkDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_sink_deliveries_total",
		Help: "Total sink delivery outcomes, by sink and result",
	}, []string{"sink", "result"})

	SinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fs_sink_latency_seconds",
		Help:    "Per-sink delivery latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"sink"})

	FallbackRetained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fs_history_fallback_retained_total",
		Help: "Total alarms retained only by the in-memory fallback ring",
	})

	// History
	HistoryDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fs_history_degraded",
		Help: "1 when history reads are served from the fallback ring",
	})

	SuppressionActivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_suppression_activations_total",
		Help: "Total suppression activations, by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		SessionsClosed,
		AuthFailures,
		PacketsReceived,
		PacketsFiltered,
		PublishFailures,
		MessagesConsumed,
		RulesEvaluated,
		AlarmsEmitted,
		RuleUpdateLatency,
		DedupSuppressed,
		DedupRate,
		SinkDeliveries,
		SinkLatency,
		FallbackRetained,
		HistoryDegraded,
		SuppressionActivations,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
