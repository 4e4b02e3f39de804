// Package telemetry is pushd's ambient request/operation metrics layer,
// distinct from the domain-level install/download counters
// internal/cachestore keeps per deployment. Adapted from cuemby-warren's
// pkg/metrics: package-level prometheus collectors registered in init,
// a Timer helper, and an http.Handler for the scrape endpoint.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushd_http_requests_total",
			Help: "Total number of HTTP requests by route, method, and status",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	UpdateCheckCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pushd_update_check_cache_hits_total",
			Help: "Total number of updateCheck requests served from cache",
		},
	)

	UpdateCheckCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pushd_update_check_cache_misses_total",
			Help: "Total number of updateCheck requests that recomputed the answer",
		},
	)

	DiffJobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pushd_diff_jobs_scheduled_total",
			Help: "Total number of diff jobs scheduled onto the diff pool",
		},
	)

	DiffJobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pushd_diff_jobs_failed_total",
			Help: "Total number of diff jobs that returned an error",
		},
	)

	DiffJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushd_diff_job_duration_seconds",
			Help:    "Time taken to compute one diff package in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UpdateCheckCacheHits,
		UpdateCheckCacheMisses,
		DiffJobsScheduled,
		DiffJobsFailed,
		DiffJobDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation against RequestDuration or DiffJobDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveRoute records the elapsed time against RequestDuration, labeled
// by route.
func (t *Timer) ObserveRoute(route string) {
	RequestDuration.WithLabelValues(route).Observe(time.Since(t.start).Seconds())
}
