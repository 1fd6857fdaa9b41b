// Package telemetry exposes Prometheus collectors for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourcesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_sources_total",
			Help: "Total number of source pipeline runs, labeled by status.",
		},
		[]string{"status"},
	)

	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_fetch_attempts_total",
			Help: "Total fetch attempts, labeled by source kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_fetch_retries_total",
			Help: "Total fetch attempts beyond the first.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	recordsStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_records_stored_total",
			Help: "Total records written to the store, labeled by review status.",
		},
		[]string{"review_status"},
	)

	anomaliesFlaggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_anomalies_flagged_total",
			Help: "Total records flagged as statistical outliers.",
		},
	)

	reviewQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_review_queue_depth",
			Help: "Number of review items currently pending.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_active_workers",
			Help: "Number of workers currently running a source pipeline.",
		},
	)
)

// IncSource counts one finished source run.
func IncSource(status string) {
	sourcesTotal.WithLabelValues(status).Inc()
}

// IncFetchAttempt counts one fetch attempt.
func IncFetchAttempt(kind, outcome string) {
	fetchAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncFetchRetry counts one retried attempt.
func IncFetchRetry() {
	fetchRetriesTotal.Inc()
}

// ObserveRateLimitDelay records a limiter wait.
func ObserveRateLimitDelay(key string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(d.Seconds())
}

// IncRecordStored counts one stored record.
func IncRecordStored(reviewStatus string) {
	recordsStoredTotal.WithLabelValues(reviewStatus).Inc()
}

// IncAnomalyFlagged counts one flagged record.
func IncAnomalyFlagged() {
	anomaliesFlaggedTotal.Inc()
}

// SetReviewQueueDepth records the current pending count.
func SetReviewQueueDepth(n int) {
	reviewQueueDepth.Set(float64(n))
}

// WorkerStarted and WorkerFinished track pool occupancy.
func WorkerStarted() { activeWorkers.Inc() }

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() { activeWorkers.Dec() }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
