package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one engine. A nil *Metrics records nothing.
type Metrics struct {
	layers           prometheus.Gauge
	overlayMounts    prometheus.Gauge
	operations       *prometheus.CounterVec
	gcRuns           prometheus.Counter
	gcRemoved        prometheus.Counter
	gcBytesFreed     prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	parallelDuration prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		layers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "layerfs_layers",
			Help: "Number of registered layers",
		}),
		overlayMounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "layerfs_overlay_mounts",
			Help: "Number of overlay-mounted layers",
		}),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layerfs_operations_total",
				Help: "Total number of engine operations by result",
			},
			[]string{"operation", "result"},
		),
		gcRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_gc_runs_total",
			Help: "Total number of garbage collection passes",
		}),
		gcRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_gc_layers_removed_total",
			Help: "Total number of layers removed by garbage collection",
		}),
		gcBytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_gc_bytes_freed_total",
			Help: "Total layer bytes reclaimed by garbage collection",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_metadata_cache_hits_total",
			Help: "Total number of metadata cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_metadata_cache_misses_total",
			Help: "Total number of metadata cache misses",
		}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "layerfs_metadata_cache_evictions_total",
			Help: "Total number of metadata cache evictions",
		}),
		parallelDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "layerfs_parallel_batch_duration_seconds",
			Help:    "Duration of parallel layer processing batches",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) recordOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *Metrics) setLayers(n int) {
	if m == nil {
		return
	}
	m.layers.Set(float64(n))
}

func (m *Metrics) setOverlayMounts(n int) {
	if m == nil {
		return
	}
	m.overlayMounts.Set(float64(n))
}

func (m *Metrics) recordGC(result *GarbageCollectionResult) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.gcRemoved.Add(float64(result.LayersRemoved))
	m.gcBytesFreed.Add(float64(result.SpaceFreed))
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) cacheEviction() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

func (m *Metrics) observeParallel(d time.Duration) {
	if m != nil {
		m.parallelDuration.Observe(d.Seconds())
	}
}
