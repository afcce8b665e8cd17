// Package observability provides metrics and monitoring capabilities for the
// BirdFrame application.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/birdframe/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry    *prometheus.Registry
	MQTT        *metrics.MQTTMetrics
	Pipeline    *metrics.PipelineMetrics
	Classifier  *metrics.ClassifierMetrics
	MediaCache  *metrics.MediaCacheMetrics
	Broadcaster *metrics.BroadcasterMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric
// collectors. It returns an error if any metric collector fails to register.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	classifierMetrics, err := metrics.NewClassifierMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier metrics: %w", err)
	}
	mediaCacheMetrics, err := metrics.NewMediaCacheMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create media cache metrics: %w", err)
	}
	broadcasterMetrics, err := metrics.NewBroadcasterMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcaster metrics: %w", err)
	}

	return &Metrics{
		registry:    registry,
		MQTT:        mqttMetrics,
		Pipeline:    pipelineMetrics,
		Classifier:  classifierMetrics,
		MediaCache:  mediaCacheMetrics,
		Broadcaster: broadcasterMetrics,
	}, nil
}

// Handler returns an http.Handler exposing the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
