package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the collector.
type Metrics struct {
	// Platform fetch metrics
	PlatformFetches *prometheus.CounterVec
	FetchLatency    *prometheus.HistogramVec
	FetchRetries    *prometheus.CounterVec

	// Collector metrics
	CollectorRuns  *prometheus.CounterVec
	CollectorUnits *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec

	// Archive metrics
	SummaryUpserts   *prometheus.CounterVec
	ArchivedPeriods  *prometheus.CounterVec
	RetentionDeletes *prometheus.CounterVec

	// Client health metrics
	ClientHealthChanges *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
	RedisLatency  *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

var (
	// DefaultMetrics is the global metrics instance
	DefaultMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		// Platform fetch metrics
		PlatformFetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_fetches_total",
				Help:      "Platform API fetches by outcome",
			},
			[]string{"platform", "outcome"},
		),
		FetchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_latency_seconds",
				Help:      "Platform API fetch latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform"},
		),
		FetchRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Fetch retry attempts by error kind",
			},
			[]string{"platform", "kind"},
		),

		// Collector metrics
		CollectorRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_runs_total",
				Help:      "Collector batch runs by trigger",
			},
			[]string{"trigger"},
		),
		CollectorUnits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_units_total",
				Help:      "Per-period collection units by final state",
			},
			[]string{"platform", "state"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Collector batch run duration",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"trigger"},
		),

		// Cache metrics
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Current-period cache hits",
			},
			[]string{"granularity"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Current-period cache misses",
			},
			[]string{"granularity"},
		),
		CacheRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_refreshes_total",
				Help:      "Current-period cache refreshes by reason",
			},
			[]string{"reason"}, // stale, missing, forced
		),

		// Archive metrics
		SummaryUpserts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "summary_upserts_total",
				Help:      "Period summary upserts by outcome",
			},
			[]string{"summary_type", "outcome"},
		),
		ArchivedPeriods: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archived_periods_total",
				Help:      "Closed periods migrated from cache to archive",
			},
			[]string{"summary_type"},
		),
		RetentionDeletes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deletes_total",
				Help:      "Rows removed by the retention sweep",
			},
			[]string{"store"},
		),

		// Client health metrics
		ClientHealthChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_health_changes_total",
				Help:      "Client health flag transitions",
			},
			[]string{"health"},
		),

		// System metrics
		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RedisLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_latency_seconds",
				Help:      "Redis operation latency",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"operation"},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint", "ip"},
		),
	}

	DefaultMetrics = m
	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFetch records one platform API fetch.
func (m *Metrics) RecordFetch(platform, outcome string, latency time.Duration) {
	m.PlatformFetches.WithLabelValues(platform, outcome).Inc()
	m.FetchLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry(platform, kind string) {
	m.FetchRetries.WithLabelValues(platform, kind).Inc()
}

// RecordRun records a collector batch run.
func (m *Metrics) RecordRun(trigger string, duration time.Duration) {
	m.CollectorRuns.WithLabelValues(trigger).Inc()
	m.RunDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordUnit records the final state of one collection unit.
func (m *Metrics) RecordUnit(platform, state string) {
	m.CollectorUnits.WithLabelValues(platform, state).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(granularity string) {
	m.CacheHits.WithLabelValues(granularity).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(granularity string) {
	m.CacheMisses.WithLabelValues(granularity).Inc()
}

// RecordCacheRefresh records a cache refresh.
func (m *Metrics) RecordCacheRefresh(reason string) {
	m.CacheRefreshes.WithLabelValues(reason).Inc()
}

// RecordUpsert records a summary upsert.
func (m *Metrics) RecordUpsert(summaryType, outcome string) {
	m.SummaryUpserts.WithLabelValues(summaryType, outcome).Inc()
}

// RecordArchived records a cache-to-archive migration.
func (m *Metrics) RecordArchived(summaryType string) {
	m.ArchivedPeriods.WithLabelValues(summaryType).Inc()
}

// RecordRetentionDeletes records rows removed by a retention sweep.
func (m *Metrics) RecordRetentionDeletes(store string, n int64) {
	if n > 0 {
		m.RetentionDeletes.WithLabelValues(store).Add(float64(n))
	}
}

// RecordHealthChange records a client health transition.
func (m *Metrics) RecordHealthChange(health string) {
	m.ClientHealthChanges.WithLabelValues(health).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRedisLatency records the duration of one Redis operation.
func (m *Metrics) RecordRedisLatency(operation string, d time.Duration) {
	m.RedisLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint, ip string) {
	m.RateLimitHits.WithLabelValues(endpoint, ip).Inc()
}
