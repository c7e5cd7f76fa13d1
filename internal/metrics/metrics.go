package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	athenaQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radiant_athena_queries_total",
			Help: "Athena query executions by terminal state",
		},
		[]string{"state"},
	)

	athenaDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radiant_athena_query_duration_seconds",
			Help:    "Wall-clock time from submission to terminal state",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	athenaBytesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radiant_athena_bytes_scanned_total",
			Help: "Bytes scanned by successful Athena queries",
		},
	)

	llmCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radiant_llm_calls_total",
			Help: "LLM extraction calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	brimRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radiant_brim_requests_total",
			Help: "BRIM API requests by endpoint and status class",
		},
		[]string{"endpoint", "status"},
	)

	documentsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radiant_documents_fetched_total",
			Help: "FHIR Binary documents fetched from S3 by content handling",
		},
		[]string{"handling"},
	)

	timelinePhases = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radiant_timeline_phase_duration_seconds",
			Help:    "Timeline build phase duration by phase and outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 9),
		},
		[]string{"phase", "outcome"},
	)
)

// RecordAthenaQuery records a finished Athena execution.
func RecordAthenaQuery(state string, elapsed time.Duration, bytesScanned int64) {
	athenaQueries.WithLabelValues(state).Inc()
	athenaDuration.Observe(elapsed.Seconds())
	if bytesScanned > 0 {
		athenaBytesScanned.Add(float64(bytesScanned))
	}
}

// RecordLLMCall records one model call outcome (ok, unavailable, malformed, no_evidence).
func RecordLLMCall(model, outcome string) {
	llmCalls.WithLabelValues(model, outcome).Inc()
}

// RecordBRIMRequest records a BRIM API request by status class (2xx, 4xx, 5xx, error).
func RecordBRIMRequest(endpoint, status string) {
	brimRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordDocumentFetch records how a fetched document was turned into text.
func RecordDocumentFetch(handling string) {
	documentsFetched.WithLabelValues(handling).Inc()
}

// RecordTimelinePhase records one timeline phase (ok, skipped, partial).
func RecordTimelinePhase(phase, outcome string, elapsed time.Duration) {
	timelinePhases.WithLabelValues(phase, outcome).Observe(elapsed.Seconds())
}

// StatusClass buckets an HTTP status code for metric labels.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "error"
	}
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
