// Package metrics exposes Prometheus collectors for the render proxy.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	poolInFlight               prometheus.Gauge
	poolQueueWaitSeconds       prometheus.Histogram

	once     sync.Once
	disabled atomic.Bool
)

// SetEnabled turns observation on or off. When disabled, the Observe and
// in-flight helpers are no-ops and never register collectors.
func SetEnabled(enabled bool) {
	disabled.Store(!enabled)
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_fetches_total",
				Help: "Total number of fetches, labeled by mode and result status.",
			},
			[]string{"mode", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderproxy_fetch_bytes_total",
				Help: "Total number of markup bytes returned, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderproxy_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by mode.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45},
			},
			[]string{"mode"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		poolInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderproxy_pool_in_flight",
				Help: "Number of pool workers currently running a fetch.",
			},
		)

		poolQueueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renderproxy_pool_queue_wait_seconds",
				Help:    "Histogram of time tasks spend waiting for a pool worker.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
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

// ObserveFetch records the outcome of a single fetch.
func ObserveFetch(mode, status, site string, bytesFetched int, duration time.Duration) {
	if disabled.Load() {
		return
	}
	Init()
	fetchesTotal.WithLabelValues(mode, status).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if disabled.Load() {
		return
	}
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveQueueWait records how long a task waited before a worker picked it up.
func ObserveQueueWait(duration time.Duration) {
	if disabled.Load() {
		return
	}
	Init()
	poolQueueWaitSeconds.Observe(duration.Seconds())
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	if disabled.Load() {
		return
	}
	Init()
	poolInFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	if disabled.Load() {
		return
	}
	Init()
	poolInFlight.Dec()
}
