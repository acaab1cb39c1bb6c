// Package pgmetrics exposes the client's internal state as Prometheus
// metrics: pool occupancy, statement-cache hit rate, authentication
// outcomes, and per-query latency. Grounded on the teacher's
// internal/metrics.Collector — same "independent registry per Collector,
// MustRegister everything up front" shape, generalized from the
// teacher's per-tenant proxy metrics to a single client instance's view
// of its own pool and cache.
package pgmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this client instance exposes.
type Collector struct {
	Registry *prometheus.Registry

	poolTotal    prometheus.Gauge
	poolIdle     prometheus.Gauge
	poolAcquired prometheus.Gauge
	poolWaiting  prometheus.Gauge
	acquireWait  prometheus.Histogram

	queryDuration *prometheus.HistogramVec

	stmtCacheHits   prometheus.Counter
	stmtCacheMisses prometheus.Counter
	stmtCacheSize   prometheus.Gauge

	authAttempts *prometheus.CounterVec

	copyRows  *prometheus.CounterVec
	copyBytes *prometheus.CounterVec
}

// New creates and registers the metric set on a fresh registry. Safe to
// call more than once per process (e.g. once per pool under test)
// because each Collector owns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_connections_total",
			Help: "Connections currently held by the pool, idle or acquired.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_connections_idle",
			Help: "Idle connections available for immediate acquire.",
		}),
		poolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_connections_acquired",
			Help: "Connections currently checked out by callers.",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_pool_acquire_waiting",
			Help: "Goroutines currently blocked in Acquire.",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwire_pool_acquire_duration_seconds",
			Help:    "Time spent waiting inside Pool.Acquire.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwire_query_duration_seconds",
				Help:    "Duration of a single extended-query round trip.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
			},
			[]string{"outcome"},
		),
		stmtCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_stmtcache_hits_total",
			Help: "Prepared-statement cache hits.",
		}),
		stmtCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_stmtcache_misses_total",
			Help: "Prepared-statement cache misses requiring a Parse round trip.",
		}),
		stmtCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_stmtcache_entries",
			Help: "Current number of cached prepared statements.",
		}),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwire_auth_attempts_total",
				Help: "Authentication attempts by mechanism and outcome.",
			},
			[]string{"mechanism", "outcome"},
		),
		copyRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwire_copy_rows_total",
				Help: "Rows transferred via COPY, by direction.",
			},
			[]string{"direction"},
		),
		copyBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwire_copy_bytes_total",
				Help: "Bytes transferred via COPY, by direction.",
			},
			[]string{"direction"},
		),
	}

	reg.MustRegister(
		c.poolTotal,
		c.poolIdle,
		c.poolAcquired,
		c.poolWaiting,
		c.acquireWait,
		c.queryDuration,
		c.stmtCacheHits,
		c.stmtCacheMisses,
		c.stmtCacheSize,
		c.authAttempts,
		c.copyRows,
		c.copyBytes,
	)

	return c
}

// PoolStats is the subset of pgpool.Stats the collector needs; declared
// locally so pgmetrics doesn't import pgpool for a three-field struct.
type PoolStats struct {
	Total, Idle, Acquired, Waiting int32
}

// SetPoolStats refreshes the pool occupancy gauges.
func (c *Collector) SetPoolStats(s PoolStats) {
	c.poolTotal.Set(float64(s.Total))
	c.poolIdle.Set(float64(s.Idle))
	c.poolAcquired.Set(float64(s.Acquired))
	c.poolWaiting.Set(float64(s.Waiting))
}

// AcquireWait observes the time a caller spent blocked in Acquire.
func (c *Collector) AcquireWait(d time.Duration) {
	c.acquireWait.Observe(d.Seconds())
}

// QueryCompleted records one query's latency, bucketed by outcome
// ("ok" or "error").
func (c *Collector) QueryCompleted(outcome string, d time.Duration) {
	c.queryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// StmtCacheHit/StmtCacheMiss track the statement cache's effectiveness.
func (c *Collector) StmtCacheHit()  { c.stmtCacheHits.Inc() }
func (c *Collector) StmtCacheMiss() { c.stmtCacheMisses.Inc() }

// SetStmtCacheSize reports the cache's current entry count.
func (c *Collector) SetStmtCacheSize(n int) {
	c.stmtCacheSize.Set(float64(n))
}

// AuthAttempt records one authentication attempt outcome.
func (c *Collector) AuthAttempt(mechanism, outcome string) {
	c.authAttempts.WithLabelValues(mechanism, outcome).Inc()
}

// CopyProgress accounts for rows and bytes moved by a COPY in the given
// direction ("in" or "out").
func (c *Collector) CopyProgress(direction string, rows int64, bytes int64) {
	c.copyRows.WithLabelValues(direction).Add(float64(rows))
	c.copyBytes.WithLabelValues(direction).Add(float64(bytes))
}
