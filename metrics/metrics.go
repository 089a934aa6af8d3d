// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud_engine"

var (
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Fraud assessments by decision and reason code.",
		},
		[]string{"decision", "reason"},
	)

	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_duration_seconds",
		Help:      "End-to-end assessment latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores (0-100).",
		Buckets:   []float64{10, 25, 40, 50, 65, 80, 90, 100},
	})

	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Rate limit checks by action and result (allowed, limited, cooling_down, degraded).",
		},
		[]string{"action", "result"},
	)

	BackendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Store failures or timeouts by component.",
		},
		[]string{"component"},
	)

	BlocklistMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocklist_mutations_total",
			Help:      "Blocklist mutations by operation and entity type.",
		},
		[]string{"op", "type"},
	)

	ExtractorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extractor_duration_seconds",
			Help:      "Indicator extractor latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"extractor"},
	)

	DispatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Background tasks dropped because the queue was full.",
		},
		[]string{"task"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ActiveBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_blocks",
		Help:      "Blocklist entries active at the last sweep.",
	})

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_published_total",
			Help:      "Security events written to the alert topic, by type and result.",
		},
		[]string{"type", "result"},
	)

	ReportsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_consumed_total",
			Help:      "Suspicious activity reports read from the report topic, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		AssessmentsTotal,
		AssessmentDuration,
		RiskScore,
		RateLimitChecksTotal,
		BackendFailuresTotal,
		BlocklistMutationsTotal,
		ExtractorDuration,
		DispatchDroppedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveBlocks,
		EventsPublishedTotal,
		ReportsConsumedTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request. path must be a route pattern,
// not the raw URL, to keep label cardinality bounded.
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, statusBucket(status)).Inc()
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
