// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	fetchDurationSeconds       *prometheus.HistogramVec
	activeFetches              prometheus.Gauge
	recordsWrittenTotal        prometheus.Counter
	recordBytesTotal           prometheus.Counter
	shardRolloversTotal        prometheus.Counter
	processFailuresTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	searchPagesTotal           prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetch_total",
				Help: "Fetch targets that reached a terminal outcome, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_fetch_bytes_total",
				Help: "Total response bytes downloaded for filings.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_fetch_duration_seconds",
				Help:    "Histogram of document fetch latencies, labeled by status code.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"code"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_fetches",
				Help: "Number of fetch workers currently handling a target.",
			},
		)

		recordsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_records_written_total",
				Help: "Decoded filings appended to batch archives.",
			},
		)

		recordBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_record_bytes_total",
				Help: "Accounted bytes appended to batch archives.",
			},
		)

		shardRolloversTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_shard_rollovers_total",
				Help: "Batch archive files closed because the size ceiling was reached.",
			},
		)

		processFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_process_failures_total",
				Help: "Content processing failures, labeled by stage.",
			},
			[]string{"stage"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Histogram of rate limiter wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		searchPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_search_pages_total",
				Help: "Search result pages retrieved during discovery.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the terminal outcome of one target and its HTTP timing.
func ObserveFetch(outcome string, code int, bytesFetched int, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
	if code > 0 {
		fetchDurationSeconds.WithLabelValues(strconv.Itoa(code)).Observe(duration.Seconds())
	}
}

// IncActiveFetches increments the active fetch gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the active fetch gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRecordWritten counts one archived filing and its accounted size.
func ObserveRecordWritten(size int64) {
	Init()
	recordsWrittenTotal.Inc()
	recordBytesTotal.Add(float64(size))
}

// ObserveRollover counts one shard rollover.
func ObserveRollover() {
	Init()
	shardRolloversTotal.Inc()
}

// ObserveProcessFailure counts a processing failure at the given stage.
func ObserveProcessFailure(stage string) {
	Init()
	processFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveSearchPage counts one search page.
func ObserveSearchPage() {
	Init()
	searchPagesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
