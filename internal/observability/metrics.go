// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fixesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "session",
		Name:      "fixes_ingested_total",
		Help:      "Location fixes appended to a track log.",
	})

	fixesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "session",
		Name:      "fixes_rejected_total",
		Help:      "Location fixes refused by a session, labeled by reason.",
	}, []string{"reason"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session state transitions, labeled by resulting state.",
	}, []string{"state"})

	persistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "track",
		Name:      "persistence_failures_total",
		Help:      "Track store writes that failed and were kept in memory for retry.",
	}, []string{"op"})

	anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "anomaly",
		Name:      "events_total",
		Help:      "Anomaly events emitted, labeled by detector and severity.",
	}, []string{"detector", "severity"})

	notifyDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notices handed to a sink successfully.",
	}, []string{"sink"})

	notifyFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "notify",
		Name:      "failed_total",
		Help:      "Notices a sink failed to deliver.",
	}, []string{"sink"})

	notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hiketrack",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notices dropped because the dispatch queue was full or closed.",
	})

	notifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hiketrack",
		Subsystem: "notify",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one notice to all sinks.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		fixesIngested, fixesRejected, transitions, persistenceFailures,
		anomalies, notifyDelivered, notifyFailed, notifyDropped, notifyLatency,
	)
}

func RecordFixIngested() { fixesIngested.Inc() }

// RecordFixRejected counts a refused fix. reason is a short stable token such
// as "not_recording" or "out_of_order".
func RecordFixRejected(reason string) { fixesRejected.WithLabelValues(reason).Inc() }

func RecordTransition(state string) { transitions.WithLabelValues(state).Inc() }

func RecordPersistenceFailure(op string) { persistenceFailures.WithLabelValues(op).Inc() }

func RecordAnomaly(detector, severity string) {
	anomalies.WithLabelValues(detector, severity).Inc()
}

func RecordNotifyDelivered(sink string) { notifyDelivered.WithLabelValues(sink).Inc() }

func RecordNotifyFailed(sink string) { notifyFailed.WithLabelValues(sink).Inc() }

func RecordNotifyDropped() { notifyDropped.Inc() }

// ObserveNotifyLatency records the wall time of one dispatch in seconds.
func ObserveNotifyLatency(seconds float64) { notifyLatency.Observe(seconds) }
