// Package metrics exposes the operator node's Prometheus collectors:
// dispatcher queue depth, engine execution outcomes, submission tx counts,
// and aggregator quorum events.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	dispatcherQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wavs",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Current depth of a dispatcher channel.",
		},
		[]string{"channel"},
	)

	dispatcherDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "dispatcher",
			Name:      "duplicate_events_seen_total",
			Help:      "Total trigger actions forwarded that carried a previously-seen event id.",
		},
		[]string{"workflow_id"},
	)

	engineExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total component executions grouped by outcome.",
		},
		[]string{"service_id", "workflow_id", "outcome"},
	)

	engineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wavs",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Duration of component executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"service_id", "workflow_id"},
	)

	engineFuelConsumed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wavs",
			Subsystem: "engine",
			Name:      "fuel_consumed",
			Help:      "Fuel units consumed per component execution.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 12),
		},
		[]string{"service_id", "workflow_id"},
	)

	submissionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "submission",
			Name:      "attempts_total",
			Help:      "Total on-chain submission attempts grouped by target kind and result.",
		},
		[]string{"chain_id", "kind", "result"},
	)

	submissionGasUsed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wavs",
			Subsystem: "submission",
			Name:      "gas_used",
			Help:      "Gas used per on-chain submission.",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 10),
		},
		[]string{"chain_id"},
	)

	aggregatorPacketsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "aggregator",
			Name:      "packets_ingested_total",
			Help:      "Total signed packets ingested grouped by result.",
		},
		[]string{"result"},
	)

	aggregatorQuorumReached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "aggregator",
			Name:      "quorum_reached_total",
			Help:      "Total times an accumulating envelope reached quorum.",
		},
		[]string{"service_manager"},
	)

	aggregatorPendingWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wavs",
			Subsystem: "aggregator",
			Name:      "pending_signed_weight",
			Help:      "Currently accumulated signed weight for an in-flight envelope.",
		},
		[]string{"event_id"},
	)

	triggerStreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wavs",
			Subsystem: "trigger",
			Name:      "stream_reconnects_total",
			Help:      "Total reconnect attempts by the chain stream clients.",
		},
		[]string{"chain_id"},
	)
)

func init() {
	Registry.MustRegister(
		dispatcherQueueDepth,
		dispatcherDuplicates,
		engineExecutions,
		engineDuration,
		engineFuelConsumed,
		submissionAttempts,
		submissionGasUsed,
		aggregatorPacketsIngested,
		aggregatorQuorumReached,
		aggregatorPendingWeight,
		triggerStreamReconnects,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current depth of a named dispatcher channel.
func SetQueueDepth(channel string, depth int) {
	dispatcherQueueDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordDuplicateEventSeen records a trigger action forwarded downstream that
// carried an event id the Dispatcher had already seen; the Engine may treat
// this as advisory and choose whether to act on it.
func RecordDuplicateEventSeen(workflowID string) {
	dispatcherDuplicates.WithLabelValues(workflowID).Inc()
}

// RecordEngineExecution records the outcome and duration of a component execution.
func RecordEngineExecution(serviceID, workflowID, outcome string, duration time.Duration, fuelConsumed uint64) {
	engineExecutions.WithLabelValues(serviceID, workflowID, outcome).Inc()
	engineDuration.WithLabelValues(serviceID, workflowID).Observe(duration.Seconds())
	engineFuelConsumed.WithLabelValues(serviceID, workflowID).Observe(float64(fuelConsumed))
}

// RecordSubmissionAttempt records an on-chain submission attempt.
func RecordSubmissionAttempt(chainID, kind, result string, gasUsed uint64) {
	submissionAttempts.WithLabelValues(chainID, kind, result).Inc()
	if gasUsed > 0 {
		submissionGasUsed.WithLabelValues(chainID).Observe(float64(gasUsed))
	}
}

// RecordPacketIngested records an aggregator packet-ingest outcome.
func RecordPacketIngested(result string) {
	aggregatorPacketsIngested.WithLabelValues(result).Inc()
}

// RecordQuorumReached records a quorum-completion event for a service manager.
func RecordQuorumReached(serviceManager string) {
	aggregatorQuorumReached.WithLabelValues(serviceManager).Inc()
}

// SetPendingWeight records the currently accumulated signed weight for an
// in-flight envelope; call with 0 (or omit further updates) once resolved.
func SetPendingWeight(eventID string, weight uint64) {
	aggregatorPendingWeight.WithLabelValues(eventID).Set(float64(weight))
}

// RecordStreamReconnect records a chain stream client reconnect attempt.
func RecordStreamReconnect(chainID string) {
	triggerStreamReconnects.WithLabelValues(chainID).Inc()
}
