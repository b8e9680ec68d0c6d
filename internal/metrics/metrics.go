// Package metrics exposes Prometheus collectors for the change monitor.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobRunsTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	firingsSkippedTotal        prometheus.Counter
	changesDetectedTotal       prometheus.Counter
	notificationsTotal         *prometheus.CounterVec
	registeredTargets          prometheus.Gauge
	runningJobs                prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_job_runs_total",
				Help: "Total number of monitor job runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site and result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		firingsSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_firings_skipped_total",
				Help: "Scheduled firings dropped because the previous run of the target was still in flight.",
			},
		)

		changesDetectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_changes_detected_total",
				Help: "Snapshots recorded with a detected change.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_notifications_total",
				Help: "Notifier invocations, labeled by result.",
			},
			[]string{"result"},
		)

		registeredTargets = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_registered_targets",
				Help: "Number of targets with an installed cron trigger.",
			},
		)

		runningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_running_jobs",
				Help: "Number of monitor jobs currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObserveJob counts one finished job run.
func ObserveJob(outcome string) {
	Init()
	jobRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records fetch latency and size for a site.
func ObserveFetch(rawURL, result string, duration time.Duration, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchDurationSeconds.WithLabelValues(site, result).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveSkippedFiring counts a firing dropped due to overlap.
func ObserveSkippedFiring() {
	Init()
	firingsSkippedTotal.Inc()
}

// ObserveChangeDetected counts a snapshot that recorded a change.
func ObserveChangeDetected() {
	Init()
	changesDetectedTotal.Inc()
}

// ObserveNotification counts a notifier call.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// SetRegisteredTargets sets the number of scheduled targets.
func SetRegisteredTargets(n int) {
	Init()
	registeredTargets.Set(float64(n))
}

// IncRunningJobs increments the in-flight jobs gauge.
func IncRunningJobs() {
	Init()
	runningJobs.Inc()
}

// DecRunningJobs decrements the in-flight jobs gauge.
func DecRunningJobs() {
	Init()
	runningJobs.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
