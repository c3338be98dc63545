// Package metrics exposes Prometheus collectors for the image crawler.
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

// Cache outcomes reported by ObserveCache.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchCacheTotal            *prometheus.CounterVec
	imagesFoundTotal           prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	seedsFinalizedTotal        prometheus.Counter
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawler_fetch_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagecrawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		fetchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawler_fetch_cache_total",
				Help: "Fetch cache lookups, labeled by result (hit, miss, shared).",
			},
			[]string{"result"},
		)

		imagesFoundTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imagecrawler_images_found_total",
				Help: "Total number of distinct image URLs published per seed.",
			},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawler_jobs_total",
				Help: "Total number of jobs, labeled by status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imagecrawler_job_duration_seconds",
				Help:    "Histogram of wall-clock job durations.",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300},
			},
		)

		seedsFinalizedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imagecrawler_seeds_finalized_total",
				Help: "Total number of seed URLs whose results were published.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imagecrawler_active_workers",
				Help: "Number of worker goroutines currently running.",
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

// ObserveFetch records one network fetch and its outcome ("success" or "error").
func ObserveFetch(site, outcome string, duration time.Duration) {
	fetchTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCache records a fetch cache lookup.
func ObserveCache(result string) {
	fetchCacheTotal.WithLabelValues(result).Inc()
}

// ObserveSeedFinalized records a finalized seed and its image count.
func ObserveSeedFinalized(images int) {
	seedsFinalizedTotal.Inc()
	imagesFoundTotal.Add(float64(images))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records how long a job ran.
func ObserveJobDuration(d time.Duration) {
	jobDurationSeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
