package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the detection processor.
type PipelineMetrics struct {
	EventsProcessed   *prometheus.CounterVec // outcome: persisted, dropped, fetch_failed, below_threshold, blocked
	SnapshotFetches   *prometheus.CounterVec // result: hit, miss, error
	AudioBackpressure prometheus.Counter
	NvrBackpressure   prometheus.Counter
	ProcessingTime    prometheus.Histogram
	AudioConfirmed    prometheus.Counter
}

// NewPipelineMetrics creates pipeline metrics registered on the registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_events_processed_total",
			Help: "Total number of NVR events processed per outcome",
		}, []string{"outcome"}),
		SnapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_snapshot_fetches_total",
			Help: "Total number of snapshot fetches per result",
		}, []string{"result"}),
		AudioBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_audio_dropped_total",
			Help: "Total number of audio events shed under backpressure",
		}),
		NvrBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_nvr_backpressure_total",
			Help: "Total number of NVR events that displaced a queued waiter",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_processing_seconds",
			Help:    "End-to-end processing time per NVR event",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AudioConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_audio_confirmed_total",
			Help: "Total number of detections confirmed by audio",
		}),
	}

	collectors := []prometheus.Collector{
		m.EventsProcessed, m.SnapshotFetches, m.AudioBackpressure,
		m.NvrBackpressure, m.ProcessingTime, m.AudioConfirmed,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}
