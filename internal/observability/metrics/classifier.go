package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ClassifierMetrics contains Prometheus metrics for the classifier runtime.
type ClassifierMetrics struct {
	InferenceDuration prometheus.Histogram
	InferenceErrors   *prometheus.CounterVec // kind: timeout, runtime
	ModelLoads        prometheus.Counter
	PoolSaturation    prometheus.Gauge
}

// NewClassifierMetrics creates classifier metrics registered on the registry.
func NewClassifierMetrics(registry *prometheus.Registry) (*ClassifierMetrics, error) {
	m := &ClassifierMetrics{
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "classifier_inference_seconds",
			Help:    "Duration of single inference calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		InferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classifier_inference_errors_total",
			Help: "Total number of inference errors per kind",
		}, []string{"kind"}),
		ModelLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classifier_model_loads_total",
			Help: "Total number of model (re)loads",
		}),
		PoolSaturation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "classifier_pool_inflight",
			Help: "Number of inference calls currently running",
		}),
	}

	collectors := []prometheus.Collector{
		m.InferenceDuration, m.InferenceErrors, m.ModelLoads, m.PoolSaturation,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register classifier metrics: %w", err)
		}
	}
	return m, nil
}
