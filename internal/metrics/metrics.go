// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal         *prometheus.CounterVec
	crawlerBytesTotal         *prometheus.CounterVec
	crawlerFetchSeconds       *prometheus.HistogramVec
	crawlerOpenRequests       prometheus.Gauge
	crawlerQueueLength        prometheus.Gauge
	crawlerRobotsFetchesTotal prometheus.Counter
	crawlerEventsEmittedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webspider_pages_total",
				Help: "Total number of queue items reaching a terminal status, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webspider_bytes_total",
				Help: "Total number of body bytes received, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webspider_fetch_duration_seconds",
				Help:    "Histogram of request latencies from spool to terminal status.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerOpenRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webspider_open_requests",
				Help: "Number of requests currently in flight.",
			},
		)

		crawlerQueueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webspider_queue_length",
				Help: "Number of items in the fetch queue.",
			},
		)

		crawlerRobotsFetchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webspider_robots_fetches_total",
				Help: "Total robots.txt fetches issued.",
			},
		)

		crawlerEventsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webspider_events_total",
				Help: "Total crawl events emitted, labeled by event name.",
			},
			[]string{"event"},
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

// ObservePage records a terminal transition for a queue item.
func ObservePage(site, status string, bytesFetched int, duration time.Duration) {
	if crawlerPagesTotal == nil {
		return
	}
	sanitized := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	if duration > 0 {
		crawlerFetchSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// SetOpenRequests updates the in-flight request gauge.
func SetOpenRequests(n int) {
	if crawlerOpenRequests == nil {
		return
	}
	crawlerOpenRequests.Set(float64(n))
}

// SetQueueLength updates the queue length gauge.
func SetQueueLength(n int) {
	if crawlerQueueLength == nil {
		return
	}
	crawlerQueueLength.Set(float64(n))
}

// ObserveRobotsFetch increments the robots.txt fetch counter.
func ObserveRobotsFetch() {
	if crawlerRobotsFetchesTotal == nil {
		return
	}
	crawlerRobotsFetchesTotal.Inc()
}

// ObserveEvent increments the per-event counter.
func ObserveEvent(event string) {
	if crawlerEventsEmittedTotal == nil {
		return
	}
	crawlerEventsEmittedTotal.WithLabelValues(event).Inc()
}
