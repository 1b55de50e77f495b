// Package metrics exposes the Prometheus collectors for the query evaluator,
// subscription service, automation engine, and computed-field service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nxus"

var (
	// Registry holds the core's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	queriesEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "evaluations_total",
			Help:      "Total number of query evaluations (C4), grouped by origin.",
		},
		[]string{"origin"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of query evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"origin"},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Current number of live query subscriptions (C7).",
		},
	)

	subscriptionDiffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "diffs_delivered_total",
			Help:      "Total subscription diff callbacks delivered, grouped by whether the diff was non-empty.",
		},
		[]string{"kind"},
	)

	automationFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "fires_total",
			Help:      "Total automation action invocations, grouped by automation ID and outcome.",
		},
		[]string{"automation_id", "outcome"},
	)

	automationSuppressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "suppressed_total",
			Help:      "Total automation fires suppressed by cycle detection, grouped by automation ID.",
		},
		[]string{"automation_id"},
	)

	computedRecalculations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "computed_field",
			Name:      "recalculations_total",
			Help:      "Total computed-field recalculations, grouped by aggregation kind.",
		},
		[]string{"aggregation"},
	)

	computedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "computed_field",
			Name:      "recalculation_duration_seconds",
			Help:      "Duration of computed-field recalculations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"aggregation"},
	)

	listenerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "listener_failures_total",
			Help:      "Total listener callback failures caught and logged, labelled by boundary (eventbus, subscription, automation, computed).",
		},
		[]string{"boundary"},
	)
)

func init() {
	Registry.MustRegister(
		queriesEvaluated,
		queryDuration,
		activeSubscriptions,
		subscriptionDiffs,
		automationFires,
		automationSuppressions,
		computedRecalculations,
		computedDuration,
		listenerFailures,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// RecordQueryEvaluation records a query evaluation's duration, grouped by the
// caller that initiated it (e.g. "direct", "subscription", "computed_field").
func RecordQueryEvaluation(origin string, duration time.Duration) {
	if origin == "" {
		origin = "unknown"
	}
	queriesEvaluated.WithLabelValues(origin).Inc()
	queryDuration.WithLabelValues(origin).Observe(duration.Seconds())
}

// SetActiveSubscriptions reports the current count of live subscriptions.
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// RecordSubscriptionDiff records a diff delivery; kind is "empty" or "nonempty".
func RecordSubscriptionDiff(nonEmpty bool) {
	kind := "empty"
	if nonEmpty {
		kind = "nonempty"
	}
	subscriptionDiffs.WithLabelValues(kind).Inc()
}

// RecordAutomationFire records an automation action invocation outcome ("ok" or "error").
func RecordAutomationFire(automationID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	automationFires.WithLabelValues(automationID, outcome).Inc()
}

// RecordAutomationSuppressed records a cycle-detection suppression.
func RecordAutomationSuppressed(automationID string) {
	automationSuppressions.WithLabelValues(automationID).Inc()
}

// RecordComputedFieldRecalculation records a computed-field recalculation.
func RecordComputedFieldRecalculation(aggregation string, duration time.Duration) {
	computedRecalculations.WithLabelValues(aggregation).Inc()
	computedDuration.WithLabelValues(aggregation).Observe(duration.Seconds())
}

// RecordListenerFailure records a contained listener failure at the given boundary
// (e.g. "eventbus", "subscription", "automation").
func RecordListenerFailure(boundary string) {
	if boundary == "" {
		boundary = "unknown"
	}
	listenerFailures.WithLabelValues(boundary).Inc()
}
