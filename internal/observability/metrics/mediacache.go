package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MediaCacheMetrics contains Prometheus metrics for the media cache.
type MediaCacheMetrics struct {
	Hits        *prometheus.CounterVec // kind: snapshot, clip, vtt, vtt_sprite
	Misses      *prometheus.CounterVec
	Evictions   *prometheus.CounterVec // reason: retention, size, orphan, empty
	BytesStored prometheus.Gauge
}

// NewMediaCacheMetrics creates media cache metrics registered on the registry.
func NewMediaCacheMetrics(registry *prometheus.Registry) (*MediaCacheMetrics, error) {
	m := &MediaCacheMetrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_hits_total",
			Help: "Total number of cache hits per media kind",
		}, []string{"kind"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_misses_total",
			Help: "Total number of cache misses per media kind",
		}, []string{"kind"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_evictions_total",
			Help: "Total number of evicted cache entries per reason",
		}, []string{"reason"}),
		BytesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediacache_bytes_stored",
			Help: "Current size of the media cache in bytes",
		}),
	}

	collectors := []prometheus.Collector{m.Hits, m.Misses, m.Evictions, m.BytesStored}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register media cache metrics: %w", err)
		}
	}
	return m, nil
}
