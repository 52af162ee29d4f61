// Package metrics exposes Prometheus collectors for the cache, memory,
// query and scheduling components.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheTierFaults *prometheus.CounterVec
	fileTierBytes   prometheus.Gauge

	memoryPercent   prometheus.Gauge
	memoryBytes     prometheus.Gauge
	memoryAlerts    *prometheus.CounterVec
	optimizations   *prometheus.CounterVec
	memoryFreed     prometheus.Counter
	cleanupFailures *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
	slowQueries   prometheus.Counter

	batchDuration prometheus.Histogram
	unitsScanned  *prometheus.CounterVec
	batchSize     prometheus.Gauge
	concurrency   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_cache_hits_total",
			Help: "Cache hits by tier and group",
		}, []string{"tier", "group"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_cache_misses_total",
			Help: "Cache lookups that missed every tier",
		}, []string{"group"}),
		cacheTierFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_cache_tier_faults_total",
			Help: "Operations skipped because a tier was unavailable or full",
		}, []string{"tier"}),
		fileTierBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanperf_cache_file_tier_bytes",
			Help: "Bytes held by the large-object tier",
		}),
		memoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanperf_memory_used_percent",
			Help: "Last sampled memory usage as a percentage of the limit",
		}),
		memoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanperf_memory_used_bytes",
			Help: "Last sampled memory usage in bytes",
		}),
		memoryAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_memory_alerts_total",
			Help: "Memory threshold alerts by level",
		}, []string{"level"}),
		optimizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_memory_optimizations_total",
			Help: "Memory optimization runs by strategy",
		}, []string{"strategy"}),
		memoryFreed: f.NewCounter(prometheus.CounterOpts{
			Name: "scanperf_memory_freed_bytes_total",
			Help: "Bytes released by memory optimization runs",
		}),
		cleanupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_memory_cleanup_failures_total",
			Help: "Cleanup handler failures during emergency optimization",
		}, []string{"handler"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanperf_query_duration_seconds",
			Help:    "Relational query execution time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"status"}),
		slowQueries: f.NewCounter(prometheus.CounterOpts{
			Name: "scanperf_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanperf_batch_duration_seconds",
			Help:    "Wall-clock time of one scan batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		unitsScanned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanperf_units_total",
			Help: "Work units processed by outcome",
		}, []string{"outcome"}),
		batchSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanperf_batch_size",
			Help: "Batch size chosen for the current scan",
		}),
		concurrency: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanperf_batch_concurrency",
			Help: "Parallel batches allowed for the current scan",
		}),
	}
}

func (m *Metrics) CacheHit(tier, group string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier, group).Inc()
	}
}

func (m *Metrics) CacheMiss(group string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) CacheTierFault(tier string) {
	if m != nil {
		m.cacheTierFaults.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) FileTierBytes(bytes int64) {
	if m != nil {
		m.fileTierBytes.Set(float64(bytes))
	}
}

func (m *Metrics) MemorySample(percent float64, bytes uint64) {
	if m != nil {
		m.memoryPercent.Set(percent)
		m.memoryBytes.Set(float64(bytes))
	}
}

func (m *Metrics) MemoryAlert(level string) {
	if m != nil {
		m.memoryAlerts.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) Optimization(strategy string, freed uint64) {
	if m != nil {
		m.optimizations.WithLabelValues(strategy).Inc()
		m.memoryFreed.Add(float64(freed))
	}
}

func (m *Metrics) CleanupFailure(handler string) {
	if m != nil {
		m.cleanupFailures.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) Query(duration time.Duration, err error, slow bool) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.queryDuration.WithLabelValues(status).Observe(duration.Seconds())
	if slow {
		m.slowQueries.Inc()
	}
}

func (m *Metrics) Batch(duration time.Duration) {
	if m != nil {
		m.batchDuration.Observe(duration.Seconds())
	}
}

// Unit records a processed work unit; outcome is one of "cached",
// "scanned" or "error".
func (m *Metrics) Unit(outcome string) {
	if m != nil {
		m.unitsScanned.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Plan(batchSize, concurrency int) {
	if m != nil {
		m.batchSize.Set(float64(batchSize))
		m.concurrency.Set(float64(concurrency))
	}
}
