// Package audiocorr correlates visual detections with BirdNET-Go audio
// detections. It keeps a bounded in-memory ring per sensor and writes every
// event through to the datastore so a restart can rebuild context.
package audiocorr

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/logging"
)

// Event is one audio detection from a sensor.
type Event struct {
	SensorID   string
	Species    string
	Score      float64
	ObservedAt time.Time
}

// Correlator buffers audio events per sensor for a bounded time window.
type Correlator struct {
	mu          sync.RWMutex
	bySensor    map[string][]Event // sorted by ObservedAt ascending
	bufferHours int
	store       datastore.Interface
	logger      *slog.Logger
}

// New creates a correlator retaining bufferHours of events per sensor.
// store may be nil in tests; when set, inserts are written through to the
// durable projection.
func New(bufferHours int, store datastore.Interface) *Correlator {
	if bufferHours <= 0 {
		bufferHours = 1
	}
	return &Correlator{
		bySensor:    make(map[string][]Event),
		bufferHours: bufferHours,
		store:       store,
		logger:      logging.ForService("audiocorr"),
	}
}

// Insert appends an event to the sensor ring and the durable projection.
// Amortized O(1): events arrive roughly in time order, so the sort
// fix-up almost never runs.
func (c *Correlator) Insert(ctx context.Context, evt Event) {
	c.mu.Lock()
	ring := append(c.bySensor[evt.SensorID], evt)
	// Keep the ring sorted; only needed when an event arrives out of order.
	if n := len(ring); n > 1 && ring[n-1].ObservedAt.Before(ring[n-2].ObservedAt) {
		sort.Slice(ring, func(i, j int) bool {
			return ring[i].ObservedAt.Before(ring[j].ObservedAt)
		})
	}
	c.bySensor[evt.SensorID] = c.pruneLocked(ring)
	c.mu.Unlock()

	if c.store != nil {
		projection := &datastore.AudioEvent{
			SensorID:   evt.SensorID,
			Species:    evt.Species,
			Score:      evt.Score,
			ObservedAt: datastore.FormatTime(evt.ObservedAt),
		}
		if err := c.store.SaveAudioEvent(ctx, projection); err != nil {
			c.logger.Warn("failed to persist audio event projection",
				"sensor_id", evt.SensorID, "error", err)
		}
	}
}

// pruneLocked drops events older than the buffer window. Caller holds mu.
func (c *Correlator) pruneLocked(ring []Event) []Event {
	cutoff := time.Now().Add(-time.Duration(c.bufferHours) * time.Hour)
	idx := sort.Search(len(ring), func(i int) bool {
		return !ring[i].ObservedAt.Before(cutoff)
	})
	if idx == 0 {
		return ring
	}
	return append(ring[:0:0], ring[idx:]...)
}

// Match returns the audio event with the maximum score whose observation
// time is within +-window of t, or nil when no event matches. The window
// bounds are found in O(log n); the scan covers only in-window events.
func (c *Correlator) Match(sensorID string, t time.Time, window time.Duration) *Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.bySensor[sensorID]
	if len(ring) == 0 {
		return nil
	}

	lo := t.Add(-window)
	hi := t.Add(window)
	start := sort.Search(len(ring), func(i int) bool {
		return !ring[i].ObservedAt.Before(lo)
	})

	var best *Event
	for i := start; i < len(ring) && !ring[i].ObservedAt.After(hi); i++ {
		if best == nil || ring[i].Score > best.Score {
			evt := ring[i]
			best = &evt
		}
	}
	return best
}

// Rehydrate loads the durable projection back into the ring. Called once on
// startup so detections arriving right after a restart still correlate.
func (c *Correlator) Rehydrate(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	since := time.Now().Add(-time.Duration(c.bufferHours) * time.Hour)
	events, err := c.store.AudioEventsSince(ctx, since)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range events {
		observedAt, err := datastore.ParseTime(row.ObservedAt)
		if err != nil {
			continue
		}
		c.bySensor[row.SensorID] = append(c.bySensor[row.SensorID], Event{
			SensorID:   row.SensorID,
			Species:    row.Species,
			Score:      row.Score,
			ObservedAt: observedAt,
		})
	}
	for sensor, ring := range c.bySensor {
		sort.Slice(ring, func(i, j int) bool {
			return ring[i].ObservedAt.Before(ring[j].ObservedAt)
		})
		c.bySensor[sensor] = ring
	}
	c.logger.Debug("rehydrated audio ring", "events", len(events))
	return nil
}

// Size returns the number of buffered events for a sensor, for tests and
// diagnostics.
func (c *Correlator) Size(sensorID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySensor[sensorID])
}
