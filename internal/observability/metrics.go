package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorry-ci/lorry/internal/model"
)

var (
	registry *prometheus.Registry

	// Builds by terminal status. Watch for: errored growing faster than
	// failed (infrastructure trouble, not test trouble).
	BuildsTotal *prometheus.CounterVec

	// Jobs by terminal status.
	JobsTotal *prometheus.CounterVec

	// Jobs currently executing. Bounded by --concurrency.
	JobsInFlight prometheus.Gauge

	// Wall-clock time per lifecycle phase. Watch for: install times
	// growing (cache misses), script p95 drift.
	PhaseDuration *prometheus.HistogramVec

	// Cache activity by event (hit, miss, save).
	CacheEventsTotal *prometheus.CounterVec

	// Coverage uploads by outcome (ok, failed, skipped).
	CoverageUploadsTotal *prometheus.CounterVec

	// API server request rate.
	HTTPRequestsTotal *prometheus.CounterVec

	// API server request latency.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent API requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Build triggers denied by the rate limiter (429).
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildsTotal",
			Help: "Total builds by terminal status",
		},
		[]string{"status"},
	)
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsTotal",
			Help: "Total jobs by terminal status",
		},
		[]string{"status"},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsInFlight",
			Help: "Jobs currently executing",
		},
	)
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phaseDurationSeconds",
			Help:    "Wall-clock time per lifecycle phase in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"phase"},
	)
	CacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheEventsTotal",
			Help: "Cache activity by event (hit, miss, save)",
		},
		[]string{"event"},
	)
	CoverageUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverageUploadsTotal",
			Help: "Coverage uploads by outcome (ok, failed, skipped)",
		},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total build triggers denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		BuildsTotal, JobsTotal, JobsInFlight, PhaseDuration,
		CacheEventsTotal, CoverageUploadsTotal,
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		RateLimitDeniedTotal,
	)
}

// RecordBuild counts a finished build.
func RecordBuild(status model.BuildStatus) {
	BuildsTotal.WithLabelValues(string(status)).Inc()
}

// RecordJob counts a finished job and its phase durations.
func RecordJob(job *model.Job) {
	JobsTotal.WithLabelValues(string(job.Status)).Inc()
	for _, phase := range job.Phases {
		PhaseDuration.WithLabelValues(string(phase.Phase)).Observe(phase.Duration.Seconds())
	}
}

// RecordCacheEvent counts a cache hit, miss or save.
func RecordCacheEvent(event string) {
	CacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, statusCode string, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// MetricsHandler returns an http.Handler that serves application and
// runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
