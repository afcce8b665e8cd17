package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdframe/internal/conf"
)

func routerSettings(cameras ...string) func() *conf.Settings {
	s := &conf.Settings{}
	s.Realtime.Frigate.Cameras = cameras
	return func() *conf.Settings { return s }
}

func TestParseNVREvent(t *testing.T) {
	t.Parallel()

	evt, err := ParseNVREvent([]byte(`{
		"type": "update",
		"after": {"id": "evt-1", "camera": "yard", "label": "bird",
			"sub_label": "House Sparrow", "top_score": 0.87,
			"has_clip": true, "unknown_future_field": {"x": 1}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "update", evt.Type)
	assert.Equal(t, "evt-1", evt.After.ID)
	require.NotNil(t, evt.After.BestScore())
	assert.InDelta(t, 0.87, *evt.After.BestScore(), 1e-9)

	_, err = ParseNVREvent([]byte(`{"type": "new"}`))
	assert.Error(t, err, "missing after block must be rejected")

	_, err = ParseNVREvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseAudioDetectionBirdnetShape(t *testing.T) {
	t.Parallel()

	det, err := ParseAudioDetection("birdnet/yard/detections", []byte(`{
		"CommonName": "European Robin",
		"Confidence": 0.91,
		"Date": "2026-08-25",
		"Time": "06:30:00",
		"Source": "yard-mic"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "yard-mic", det.Sensor)
	assert.Equal(t, "European Robin", det.Species)
	assert.InDelta(t, 0.91, det.Score, 1e-9)
	assert.Equal(t, 6, det.ObservedAt.Hour())
}

func TestParseAudioDetectionFallbacks(t *testing.T) {
	t.Parallel()

	// snake_case payload without a sensor: topic segment is the fallback.
	det, err := ParseAudioDetection("birdnet/garden", []byte(`{
		"common_name": "Wren", "confidence": 0.5
	}`))
	require.NoError(t, err)
	assert.Equal(t, "garden", det.Sensor)
	assert.Equal(t, "Wren", det.Species)
	assert.WithinDuration(t, time.Now(), det.ObservedAt, 5*time.Second)

	_, err = ParseAudioDetection("t", []byte(`{"confidence": 0.5}`))
	assert.Error(t, err, "missing species must be rejected")
}

func TestRouterFiltersLabelAndCamera(t *testing.T) {
	t.Parallel()

	r := NewRouter(routerSettings("yard"), nil, nil, nil, nil)

	r.HandleNVRMessage("frigate/events", []byte(`{"type":"new","after":{"id":"a","camera":"yard","label":"person"}}`))
	r.HandleNVRMessage("frigate/events", []byte(`{"type":"new","after":{"id":"b","camera":"garage","label":"bird"}}`))
	r.HandleNVRMessage("frigate/events", []byte(`{"type":"new","after":{"id":"c","camera":"yard","label":"bird"}}`))

	require.Len(t, r.nvrQueue, 1)
	evt := <-r.nvrQueue
	assert.Equal(t, "c", evt.After.ID)
}

func TestRouterNeverBlocksAndKeepsNewestNVREvent(t *testing.T) {
	t.Parallel()

	r := NewRouter(routerSettings(), nil, nil, nil, nil)

	// Fill the audio queue so shedding has something to drop.
	for i := 0; i < audioQueueSize; i++ {
		r.HandleAudioMessage("birdnet/yard", []byte(`{"CommonName":"Wren","Confidence":0.5}`))
	}
	require.Len(t, r.audioQueue, audioQueueSize)

	// Overfill the NVR queue; every call must return without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < nvrQueueSize+10; i++ {
			payload := fmt.Sprintf(`{"type":"new","after":{"id":"evt-%d","camera":"yard","label":"bird"}}`, i)
			r.HandleNVRMessage("frigate/events", []byte(payload))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("router blocked the MQTT callback")
	}

	// Audio was shed to make room before NVR events were dropped.
	assert.Less(t, len(r.audioQueue), audioQueueSize)
	assert.Equal(t, nvrQueueSize, len(r.nvrQueue))

	// The newest event is still in the queue.
	var last *NVREvent
	for len(r.nvrQueue) > 0 {
		last = <-r.nvrQueue
	}
	require.NotNil(t, last)
	assert.Equal(t, fmt.Sprintf("evt-%d", nvrQueueSize+9), last.After.ID)
}

func TestRouterDispatchesToHandlers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotNVR []string
	var gotAudio []string

	r := NewRouter(routerSettings(),
		func(_ context.Context, evt *NVREvent) {
			mu.Lock()
			gotNVR = append(gotNVR, evt.After.ID)
			mu.Unlock()
		},
		func(_ context.Context, det *AudioDetection) {
			mu.Lock()
			gotAudio = append(gotAudio, det.Species)
			mu.Unlock()
		}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.wg.Add(2)
	go r.dispatchNVR(ctx)
	go r.dispatchAudio(ctx)

	r.HandleNVRMessage("frigate/events", []byte(`{"type":"new","after":{"id":"evt-1","camera":"yard","label":"bird"}}`))
	r.HandleAudioMessage("birdnet/yard", []byte(`{"CommonName":"Wren","Confidence":0.7}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotNVR) == 1 && len(gotAudio) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-1"}, gotNVR)
	assert.Equal(t, []string{"Wren"}, gotAudio)
}
