// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_upstream_requests_total",
			Help: "Total number of upstream JSON requests, labeled by host and outcome.",
		},
		[]string{"host", "outcome"},
	)

	upstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_upstream_retries_total",
			Help: "Total number of retried upstream attempts, labeled by host.",
		},
		[]string{"host"},
	)

	upstreamRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_upstream_request_duration_seconds",
			Help:    "Histogram of upstream request latencies including retries, labeled by host.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"host"},
	)

	layersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_layers_total",
			Help: "Total number of top-level layers processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	sublayerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_sublayer_fetches_total",
			Help: "Total number of sublayer fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	featuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_features_total",
			Help: "Total number of features written to output.",
		},
	)

	pacingDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_pacing_delay_seconds",
			Help:    "Histogram of inter-layer pacing waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
	)

	exportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_export_jobs_total",
			Help: "Total number of monitored export jobs, labeled by final state.",
		},
		[]string{"state"},
	)

	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_api_requests_total",
			Help: "Total number of ops API requests, labeled by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_api_request_duration_seconds",
			Help:    "Histogram of ops API latencies, labeled by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records the final outcome and latency of one upstream call.
func ObserveRequest(rawURL, outcome string, duration time.Duration) {
	host := SanitizeHost(rawURL)
	upstreamRequestsTotal.WithLabelValues(host, outcome).Inc()
	upstreamRequestDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRetry counts one retried attempt against rawURL's host.
func ObserveRetry(rawURL string) {
	upstreamRetriesTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveLayer records a top-level layer outcome and its feature count.
func ObserveLayer(outcome string, features int) {
	layersTotal.WithLabelValues(outcome).Inc()
	if features > 0 {
		featuresTotal.Add(float64(features))
	}
}

// ObserveSublayer records the outcome of one sublayer fetch.
func ObserveSublayer(outcome string) {
	sublayerFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObservePacingDelay records the duration of an inter-layer wait.
func ObservePacingDelay(duration time.Duration) {
	pacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveExportJob records the final state of a monitored export job.
func ObserveExportJob(state string) {
	exportJobsTotal.WithLabelValues(state).Inc()
}

// ObserveAPIRequest records one ops API request against its route pattern.
func ObserveAPIRequest(method, route string, code int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
