// Package metrics defines Prometheus metrics for the proxy pipeline, the
// cache store, and the admin surface. Proxy metrics stay low-cardinality
// (method/status/cache outcome); per-upstream metrics are labeled by
// resolved origin host, itself bounded by the router's configured
// endpoint set.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy responses by method, status and cache result",
		},
		[]string{"method", "status", "cache"},
	)
	proxyReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	proxyUpstreamInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_upstream_inflight",
			Help: "Number of in-flight upstream requests by resolved origin host",
		},
		[]string{"upstream"},
	)
	proxyUpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_upstream_requests_total",
			Help: "Total upstream responses observed by the proxy, labeled by origin host, method and status",
		},
		[]string{"upstream", "method", "status"},
	)
	proxyUpstreamReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upstream_request_duration_seconds",
			Help:    "Upstream request duration observed at the proxy by origin host and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "method"},
	)
)

// Cache store metrics.
var (
	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of entries held in the cache store",
		},
	)
	cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_bytes",
			Help: "Current number of bytes held in the cache store",
		},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache store lookups that found a fresh entry",
		},
	)
	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache store lookups that found no usable entry",
		},
	)
	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total cache entries reclaimed by size pressure or idle expiration",
		},
	)
	cacheStoresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_stores_total",
			Help: "Total cache entries newly inserted",
		},
	)
)

// Admin surface metrics.
var (
	adminMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_mutations_total",
			Help: "Total administrative mutations by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

// Upstream (origin) server metrics — emitted by a development-fixture
// origin, not by Mnemosyne itself.
var (
	upRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream responses by method and status",
		},
		[]string{"method", "status"},
	)
	upRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	upInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_inflight",
			Help: "Number of in-flight requests in the upstream server",
		},
	)
)

func init() {
	prometheus.MustRegister(
		proxyRequestsTotal,
		proxyReqDuration,
		proxyUpstreamInflight,
		proxyUpstreamRequestsTotal,
		proxyUpstreamReqDuration,
		cacheEntries,
		cacheBytes,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheStoresTotal,
		adminMutationsTotal,
		upRequestsTotal,
		upRequestDuration,
		upInflight,
	)
}

func normCacheLabel(v string) string {
	if v == "" {
		return "BYPASS"
	}
	return v
}

// ---- Proxy helpers ----

// ObserveProxyResponse records a client-facing proxy response.
func ObserveProxyResponse(method string, status int, cache string, dur time.Duration) {
	cache = normCacheLabel(cache)
	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), cache).Inc()
	proxyReqDuration.WithLabelValues(method, cache).Observe(dur.Seconds())
}

// ObserveProxyUpstreamResponse records the upstream response as seen by
// the proxy, labeled by the resolved origin host.
func ObserveProxyUpstreamResponse(upstream, method string, status int, dur time.Duration) {
	if upstream == "" {
		upstream = "unknown"
	}
	proxyUpstreamRequestsTotal.WithLabelValues(upstream, method, strconv.Itoa(status)).Inc()
	proxyUpstreamReqDuration.WithLabelValues(upstream, method).Observe(dur.Seconds())
}

// IncProxyUpstreamInflight increments the in-flight counter for a given
// origin host.
func IncProxyUpstreamInflight(host string) { proxyUpstreamInflight.WithLabelValues(host).Inc() }

// DecProxyUpstreamInflight decrements the in-flight counter for a given
// origin host.
func DecProxyUpstreamInflight(host string) { proxyUpstreamInflight.WithLabelValues(host).Dec() }

// ---- Cache store helpers ----

// SetCacheGauges sets the point-in-time entry count and byte total gauges.
func SetCacheGauges(entries, bytes int64) {
	cacheEntries.Set(float64(entries))
	cacheBytes.Set(float64(bytes))
}

// CacheHitInc increments the cache hit counter.
func CacheHitInc() { cacheHitsTotal.Inc() }

// CacheMissInc increments the cache miss counter.
func CacheMissInc() { cacheMissesTotal.Inc() }

// CacheEvictionInc increments the cache eviction counter.
func CacheEvictionInc() { cacheEvictionsTotal.Inc() }

// CacheStoreInc increments the cache insertion counter.
func CacheStoreInc() { cacheStoresTotal.Inc() }

// ---- Admin helpers ----

// AdminMutationInc records one administrative mutation by action and
// outcome ("ok" or "error").
func AdminMutationInc(action, outcome string) {
	adminMutationsTotal.WithLabelValues(action, outcome).Inc()
}

// ---- Upstream (origin fixture) helpers ----

// UpstreamInflightInc increments the number of in-flight requests in the
// upstream fixture server.
func UpstreamInflightInc() { upInflight.Inc() }

// UpstreamInflightDec decrements the number of in-flight requests in the
// upstream fixture server.
func UpstreamInflightDec() { upInflight.Dec() }

// ObserveUpstreamResponse records an upstream (origin) response with
// method and status and observes duration.
func ObserveUpstreamResponse(method string, status int, dur time.Duration) {
	upRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upRequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}
