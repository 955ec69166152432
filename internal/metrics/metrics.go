// Package metrics exposes Prometheus collectors for the sitemap crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	inFlightFetches            prometheus.Gauge
	pendingHandles             prometheus.Gauge
	slotWaitSeconds            prometheus.Histogram
	sitemapsTotal              *prometheus.CounterVec
	sitemapLocationsTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of sitemap locations fetched, labeled by site and status class.",
			},
			[]string{"site", "status_class"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Fetch latency partitioned by status class.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status_class"},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight_fetches",
				Help: "Number of fetches currently holding an admission slot.",
			},
		)

		pendingHandles = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_pending_handles",
				Help: "Number of handles tracked in pending sets, including retained failures.",
			},
		)

		slotWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_slot_wait_seconds",
				Help:    "Time submitters spent waiting for an admission slot.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		)

		sitemapsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sitemaps_total",
				Help: "Total number of sitemaps crawled, labeled by result.",
			},
			[]string{"result"},
		)

		sitemapLocationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_sitemap_locations_total",
				Help: "Total number of <loc> entries read from sitemaps.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
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

// ClassifyStatus groups HTTP status codes into coarse label values.
// A zero code means the request never produced a response.
func ClassifyStatus(code int) string {
	switch {
	case code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the outcome of a single location fetch.
func ObserveFetch(rawURL string, status int, duration time.Duration) {
	Init()
	class := ClassifyStatus(status)
	fetchesTotal.WithLabelValues(SanitizeSite(rawURL), class).Inc()
	fetchDurationSeconds.WithLabelValues(class).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight fetch gauge.
func IncInFlight() {
	Init()
	inFlightFetches.Inc()
}

// DecInFlight decrements the in-flight fetch gauge.
func DecInFlight() {
	Init()
	inFlightFetches.Dec()
}

// IncPending increments the pending handle gauge.
func IncPending() {
	Init()
	pendingHandles.Inc()
}

// DecPending decrements the pending handle gauge.
func DecPending() {
	Init()
	pendingHandles.Dec()
}

// ObserveSlotWait records how long a submitter blocked on admission.
func ObserveSlotWait(duration time.Duration) {
	Init()
	slotWaitSeconds.Observe(duration.Seconds())
}

// ObserveSitemap increments the sitemap counter for the given result.
func ObserveSitemap(result string) {
	Init()
	sitemapsTotal.WithLabelValues(result).Inc()
}

// ObserveLocation counts one location read from a sitemap.
func ObserveLocation() {
	Init()
	sitemapLocationsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
