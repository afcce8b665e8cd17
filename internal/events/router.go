// Package events routes inbound MQTT messages to the detection pipeline and
// the audio correlator. The router never blocks the MQTT callback: messages
// land in bounded queues, and under saturation queued audio is shed first
// because audio is advisory while detections are primary.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/mqtt"
	"github.com/tphakala/birdframe/internal/observability/metrics"
)

const (
	nvrQueueSize   = 64
	audioQueueSize = 256

	// audioShedBatch is how many queued audio items are dropped when the
	// NVR queue saturates.
	audioShedBatch = 16
)

// NVRHandler consumes a filtered Frigate event.
type NVRHandler func(ctx context.Context, evt *NVREvent)

// AudioHandler consumes one audio detection.
type AudioHandler func(ctx context.Context, det *AudioDetection)

// Router subscribes to the NVR and audio topics and dispatches to the
// handlers on its own goroutines.
type Router struct {
	settings func() *conf.Settings

	nvrQueue   chan *NVREvent
	audioQueue chan *AudioDetection

	onNVR   NVRHandler
	onAudio AudioHandler

	mqttMetrics     *metrics.MQTTMetrics
	pipelineMetrics *metrics.PipelineMetrics
	logger          *slog.Logger

	wg sync.WaitGroup
}

// NewRouter creates a router. settings is called per message so camera
// filters follow live configuration changes.
func NewRouter(settings func() *conf.Settings, onNVR NVRHandler, onAudio AudioHandler,
	mqttMetrics *metrics.MQTTMetrics, pipelineMetrics *metrics.PipelineMetrics) *Router {
	return &Router{
		settings:        settings,
		nvrQueue:        make(chan *NVREvent, nvrQueueSize),
		audioQueue:      make(chan *AudioDetection, audioQueueSize),
		onNVR:           onNVR,
		onAudio:         onAudio,
		mqttMetrics:     mqttMetrics,
		pipelineMetrics: pipelineMetrics,
		logger:          logging.ForService("events"),
	}
}

// Start subscribes both topics and runs the dispatch loops until ctx is
// canceled.
func (r *Router) Start(ctx context.Context, client mqtt.Client) error {
	settings := r.settings()
	if err := client.Subscribe(settings.Realtime.MQTT.EventTopic, r.HandleNVRMessage); err != nil {
		return err
	}
	if err := client.Subscribe(settings.Realtime.MQTT.AudioTopic, r.HandleAudioMessage); err != nil {
		return err
	}

	r.wg.Add(2)
	go r.dispatchNVR(ctx)
	go r.dispatchAudio(ctx)
	return nil
}

// Wait blocks until both dispatch loops have exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

// HandleNVRMessage is the MQTT callback for the Frigate event topic. It
// filters to bird events on configured cameras and enqueues without ever
// blocking; when the queue is full the oldest queued event is dropped so the
// newest is always accepted.
func (r *Router) HandleNVRMessage(topic string, payload []byte) {
	r.countMessage("nvr")

	evt, err := ParseNVREvent(payload)
	if err != nil {
		r.logger.Debug("dropping unparseable NVR payload", "topic", topic, "error", err)
		return
	}
	if evt.After.Label != "bird" {
		return
	}

	settings := r.settings()
	if !settings.Realtime.Frigate.CameraAllowed(evt.After.Camera) {
		r.logger.Debug("dropping event from unconfigured camera",
			"camera", evt.After.Camera, "event_id", evt.After.ID)
		return
	}

	for {
		select {
		case r.nvrQueue <- evt:
			return
		default:
		}

		// Saturated: shed audio first, then sacrifice the oldest NVR event
		// for the newest.
		r.shedAudio(audioShedBatch)
		select {
		case r.nvrQueue <- evt:
			return
		case dropped := <-r.nvrQueue:
			if r.pipelineMetrics != nil {
				r.pipelineMetrics.NvrBackpressure.Inc()
			}
			r.logger.Warn("NVR queue saturated, dropped oldest event",
				"dropped_event_id", dropped.After.ID)
		}
	}
}

// HandleAudioMessage is the MQTT callback for the BirdNET-Go topic. Full
// queue drops the oldest item; audio is advisory.
func (r *Router) HandleAudioMessage(topic string, payload []byte) {
	r.countMessage("audio")

	det, err := ParseAudioDetection(topic, payload)
	if err != nil {
		r.logger.Debug("dropping unparseable audio payload", "topic", topic, "error", err)
		return
	}

	for {
		select {
		case r.audioQueue <- det:
			return
		default:
			r.shedAudio(1)
		}
	}
}

// shedAudio drops up to n queued audio items, oldest first.
func (r *Router) shedAudio(n int) {
	for i := 0; i < n; i++ {
		select {
		case <-r.audioQueue:
			if r.pipelineMetrics != nil {
				r.pipelineMetrics.AudioBackpressure.Inc()
			}
		default:
			return
		}
	}
}

func (r *Router) dispatchNVR(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.nvrQueue:
			r.onNVR(ctx, evt)
		}
	}
}

func (r *Router) dispatchAudio(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case det := <-r.audioQueue:
			r.onAudio(ctx, det)
		}
	}
}

func (r *Router) countMessage(kind string) {
	if r.mqttMetrics != nil {
		r.mqttMetrics.MessagesReceived.WithLabelValues(kind).Inc()
	}
}
