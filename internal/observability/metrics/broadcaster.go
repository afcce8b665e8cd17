package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BroadcasterMetrics contains Prometheus metrics for the SSE broadcaster.
type BroadcasterMetrics struct {
	Subscribers   prometheus.Gauge
	EventsSent    *prometheus.CounterVec // type: detection, detection_updated, ...
	EventsDropped prometheus.Counter
	LagNotices    prometheus.Counter
}

// NewBroadcasterMetrics creates broadcaster metrics registered on the registry.
func NewBroadcasterMetrics(registry *prometheus.Registry) (*BroadcasterMetrics, error) {
	m := &BroadcasterMetrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_subscribers",
			Help: "Number of currently connected SSE subscribers",
		}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_events_sent_total",
			Help: "Total number of SSE events sent per event type",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		}),
		LagNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_lag_notices_total",
			Help: "Total number of lag notices delivered to subscribers",
		}),
	}

	collectors := []prometheus.Collector{m.Subscribers, m.EventsSent, m.EventsDropped, m.LagNotices}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register broadcaster metrics: %w", err)
		}
	}
	return m, nil
}
