// Package metrics wires the engine's operational counters into Prometheus.
// Grounded on the pkg/metrics package of cuemby-warren, which declares one
// package-global collector per concern and registers it in an init() against
// the default registry. SPEC_FULL.md §9 rules out a process-wide singleton —
// a program embedding more than one database instance must not collide on
// shared metric names — so collectors here live on a Set constructed once
// per engine and registered against a caller-supplied prometheus.Registerer,
// falling back to a private registry that New creates and does not keep.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set is the full collector group for one engine instance.
type Set struct {
	CommitLatency      prometheus.Histogram
	CheckpointDuration prometheus.HistogramVec
	WALSizeBytes       prometheus.Gauge
	PageCacheHitRatio  prometheus.Gauge
	PageCacheHits      prometheus.Gauge
	PageCacheMisses    prometheus.Gauge
	DispatcherQueue    prometheus.Gauge
	SubscriberLag      prometheus.GaugeVec
	DocumentsTotal     prometheus.GaugeVec
	TxnActive          prometheus.Gauge
	TxnAborted         prometheus.Counter
}

// New builds a Set and registers every collector against reg. If reg is nil,
// the Set registers against a private prometheus.NewRegistry() instead so
// multiple Sets (e.g. in tests, or multiple engines in one process) never
// collide on collector names. That registry is neither kept nor exposed, so
// nothing gathers from it.
func New(reg prometheus.Registerer) *Set {
	var private *prometheus.Registry
	if reg == nil {
		private = prometheus.NewRegistry()
		reg = private
	}

	s := &Set{
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foliadb_commit_duration_seconds",
			Help:    "Time taken to commit a write transaction, from Commit() call to WAL fsync return.",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointDuration: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foliadb_checkpoint_duration_seconds",
			Help:    "Time taken by a checkpoint run, by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		WALSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_wal_size_bytes",
			Help: "Current size of the write-ahead log in bytes.",
		}),
		PageCacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_page_cache_hit_ratio",
			Help: "Checksum page cache hit ratio since the engine opened.",
		}),
		PageCacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_page_cache_hits_total",
			Help: "Cumulative checksum page cache hits since the engine opened.",
		}),
		PageCacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_page_cache_misses_total",
			Help: "Cumulative checksum page cache misses since the engine opened.",
		}),
		DispatcherQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_changestream_queue_depth",
			Help: "Number of events buffered in the change-stream dispatcher's consumer queue.",
		}),
		SubscriberLag: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foliadb_changestream_subscriber_queue_depth",
			Help: "Number of events buffered in a subscriber's sink, by collection.",
		}, []string{"collection"}),
		DocumentsTotal: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foliadb_documents_total",
			Help: "Live document count, by collection.",
		}, []string{"collection"}),
		TxnActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foliadb_txn_active",
			Help: "Number of currently open transactions.",
		}),
		TxnAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foliadb_txn_aborted_total",
			Help: "Total number of transactions rolled back due to conflict or explicit abort.",
		}),
	}

	reg.MustRegister(
		s.CommitLatency,
		s.CheckpointDuration,
		s.WALSizeBytes,
		s.PageCacheHitRatio,
		s.PageCacheHits,
		s.PageCacheMisses,
		s.DispatcherQueue,
		s.SubscriberLag,
		s.DocumentsTotal,
		s.TxnActive,
		s.TxnAborted,
	)
	return s
}

// Timer mirrors cuemby-warren's metrics.Timer helper for one-line latency
// recording around a call site.
type Timer struct {
	start time.Time
}

func NewTimer() Timer { return Timer{start: time.Now()} }

func (t Timer) ObserveDuration(h prometheus.Histogram) { h.Observe(time.Since(t.start).Seconds()) }

func (t Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t Timer) Duration() time.Duration { return time.Since(t.start) }

// RecordCacheStats copies storage.PageFile.CacheStats-shaped counters into the
// cumulative gauges and the derived ratio gauge. Engine.CacheStats calls it
// each time the stats are read; Set takes the counters as plain values, so
// this package does not import storage.
func (s *Set) RecordCacheStats(hits, misses uint64) {
	s.PageCacheHits.Set(float64(hits))
	s.PageCacheMisses.Set(float64(misses))
	if total := hits + misses; total > 0 {
		s.PageCacheHitRatio.Set(float64(hits) / float64(total))
	}
}
