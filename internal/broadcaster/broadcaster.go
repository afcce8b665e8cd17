// Package broadcaster fans events out to SSE subscribers. Each subscriber
// has its own bounded buffer so a slow client never blocks the pipeline or
// other subscribers; overflow drops the oldest buffered event and the
// subscriber is told it lagged. Delivery per subscriber is FIFO.
package broadcaster

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/observability/metrics"
)

// Event types emitted over SSE.
const (
	TypeConnected       = "connected"
	TypeDetection       = "detection"
	TypeDetectionUpdate = "detection_updated"
	TypeReclassStarted  = "reclassification_started"
	TypeReclassProgress = "reclassification_progress"
	TypeReclassDone     = "reclassification_completed"
	TypeReclassFailed   = "reclassification_failed"
	TypeSettingsUpdated = "settings_updated"
	TypeLag             = "lag"
)

// HeartbeatInterval is how often the SSE handler writes a comment frame so
// intermediaries keep idle connections open.
const HeartbeatInterval = 15 * time.Second

// subscriberBufferSize is the per-subscriber ring capacity.
const subscriberBufferSize = 256

// Scope carries the detection attributes guest filtering needs. Events
// without a scope are only delivered to authenticated subscribers.
type Scope struct {
	Camera        string
	Hidden        bool
	DetectionTime string // canonical timestamp
}

// Event is one broadcast message.
type Event struct {
	Type  string
	Data  any
	Scope *Scope
}

// GuestFilter restricts what an unauthenticated subscriber receives.
type GuestFilter struct {
	AllowedCameras []string // empty allows all cameras
	HistoryDays    int      // 0 means unlimited
}

// Subscriber is one SSE connection's view of the stream.
type Subscriber struct {
	id     string
	ch     chan Event
	guest  bool
	filter GuestFilter

	closeOnce sync.Once
	closed    chan struct{}
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster is the fan-out hub.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	metrics *metrics.BroadcasterMetrics
	logger  *slog.Logger
}

// New creates an empty hub.
func New(m *metrics.BroadcasterMetrics) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		metrics:     m,
		logger:      logging.ForService("broadcaster"),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called on disconnect; it is idempotent.
func (b *Broadcaster) Subscribe(guest bool, filter GuestFilter) (*Subscriber, func()) {
	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan Event, subscriberBufferSize),
		guest:  guest,
		filter: filter,
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(count))
	}
	b.logger.Debug("subscriber connected", "subscriber_id", sub.id, "guest", guest)

	cancel := func() {
		sub.closeOnce.Do(func() {
			close(sub.closed)
			b.mu.Lock()
			delete(b.subscribers, sub.id)
			remaining := len(b.subscribers)
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.Subscribers.Set(float64(remaining))
			}
			b.logger.Debug("subscriber disconnected", "subscriber_id", sub.id)
		})
	}
	return sub, cancel
}

// Publish delivers an event to every subscriber allowed to see it. Never
// blocks: a full subscriber buffer loses its oldest event and receives a lag
// notice in its place.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !b.allowed(sub, &evt) {
			continue
		}
		b.deliver(sub, evt)
	}
}

// allowed applies the guest filter. Authenticated subscribers see
// everything.
func (b *Broadcaster) allowed(sub *Subscriber, evt *Event) bool {
	if !sub.guest {
		return true
	}
	if evt.Scope == nil {
		return false
	}
	if evt.Scope.Hidden {
		return false
	}
	if len(sub.filter.AllowedCameras) > 0 {
		ok := false
		for _, cam := range sub.filter.AllowedCameras {
			if cam == evt.Scope.Camera {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if sub.filter.HistoryDays > 0 && evt.Scope.DetectionTime != "" {
		cutoff := time.Now().UTC().AddDate(0, 0, -sub.filter.HistoryDays)
		if t, err := datastore.ParseTime(evt.Scope.DetectionTime); err == nil && t.Before(cutoff) {
			return false
		}
	}
	return true
}

// deliver enqueues without blocking, preserving FIFO order for the
// subscriber. On overflow the two oldest buffered events are dropped to make
// room for a lag notice followed by the new event.
func (b *Broadcaster) deliver(sub *Subscriber, evt Event) {
	select {
	case <-sub.closed:
		return
	case sub.ch <- evt:
		b.countSent(evt.Type)
		return
	default:
	}

	dropped := 0
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
			dropped++
		default:
		}
	}
	if b.metrics != nil && dropped > 0 {
		b.metrics.EventsDropped.Add(float64(dropped))
	}

	if dropped > 0 {
		select {
		case sub.ch <- Event{Type: TypeLag}:
			if b.metrics != nil {
				b.metrics.LagNotices.Inc()
			}
		default:
		}
	}

	select {
	case <-sub.closed:
	case sub.ch <- evt:
		b.countSent(evt.Type)
	default:
		// A concurrent publisher refilled the buffer; this event is lost
		// but the subscriber already has a lag notice queued.
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
	}
}

func (b *Broadcaster) countSent(eventType string) {
	if b.metrics != nil {
		b.metrics.EventsSent.WithLabelValues(eventType).Inc()
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
