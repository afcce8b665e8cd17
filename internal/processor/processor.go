// Package processor is the detection pipeline. One entry point per NVR
// event: dedup, snapshot fetch, fast path or local inference, audio
// correlation, enrichment, atomic persist, broadcast after commit. Work per
// external event id is strictly serial; concurrent updates for the same id
// coalesce to the newest payload.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/birdframe/internal/audiocorr"
	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/classifier"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/events"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/mediacache"
	"github.com/tphakala/birdframe/internal/observability/metrics"
	"github.com/tphakala/birdframe/internal/taxonomy"
	"github.com/tphakala/birdframe/internal/weather"
)

// SnapshotFetcher is the slice of the NVR client the pipeline needs.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, eventID string) ([]byte, error)
}

// eventSlot serializes work per external event id. pending holds the newest
// payload that arrived while the slot was busy; older waiters are discarded.
type eventSlot struct {
	busy    bool
	pending *events.NVREvent
}

// Processor orchestrates the detection pipeline.
type Processor struct {
	settings   func() *conf.Settings
	store      datastore.Interface
	fetcher    SnapshotFetcher
	runtime    classifier.Runtime
	correlator *audiocorr.Correlator
	weather    *weather.Service
	taxonomy   *taxonomy.Service
	cache      *mediacache.Cache
	hub        *broadcaster.Broadcaster

	mu    sync.Mutex
	slots map[string]*eventSlot

	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
}

// Config wires the processor's collaborators. Weather, taxonomy, cache and
// hub may be nil; the corresponding steps are skipped.
type Config struct {
	Settings   func() *conf.Settings
	Store      datastore.Interface
	Fetcher    SnapshotFetcher
	Runtime    classifier.Runtime
	Correlator *audiocorr.Correlator
	Weather    *weather.Service
	Taxonomy   *taxonomy.Service
	Cache      *mediacache.Cache
	Hub        *broadcaster.Broadcaster
	Metrics    *metrics.PipelineMetrics
}

// New creates the processor.
func New(cfg *Config) *Processor {
	return &Processor{
		settings:   cfg.Settings,
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		runtime:    cfg.Runtime,
		correlator: cfg.Correlator,
		weather:    cfg.Weather,
		taxonomy:   cfg.Taxonomy,
		cache:      cfg.Cache,
		hub:        cfg.Hub,
		slots:      make(map[string]*eventSlot),
		metrics:    cfg.Metrics,
		logger:     logging.ForService("processor"),
	}
}

// OnAudioEvent feeds one audio detection into the correlator.
func (p *Processor) OnAudioEvent(ctx context.Context, det *events.AudioDetection) {
	if p.correlator == nil {
		return
	}
	p.correlator.Insert(ctx, audiocorr.Event{
		SensorID:   det.Sensor,
		Species:    det.Species,
		Score:      det.Score,
		ObservedAt: det.ObservedAt,
	})
}

// OnNVREvent is the single pipeline entry point. Events for distinct ids run
// concurrently; events for the same id run serially with only the newest
// queued payload surviving.
func (p *Processor) OnNVREvent(ctx context.Context, evt *events.NVREvent) {
	eventID := evt.After.ID

	p.mu.Lock()
	slot, ok := p.slots[eventID]
	if !ok {
		slot = &eventSlot{}
		p.slots[eventID] = slot
	}
	if slot.busy {
		// Coalesce: the newest payload replaces any queued one.
		slot.pending = evt
		p.mu.Unlock()
		return
	}
	slot.busy = true
	p.mu.Unlock()

	for evt != nil {
		p.process(ctx, evt)

		p.mu.Lock()
		evt = slot.pending
		slot.pending = nil
		if evt == nil {
			slot.busy = false
			delete(p.slots, eventID)
		}
		p.mu.Unlock()
	}
}

// process runs the pipeline for one payload.
func (p *Processor) process(ctx context.Context, evt *events.NVREvent) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
		}
	}()

	eventID := evt.After.ID
	existing, err := p.store.GetByExternalID(ctx, eventID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		p.logger.Error("dedup lookup failed", "event_id", eventID, "error", err)
		p.countOutcome("dropped")
		return
	}

	if existing != nil && evt.Type != "new" {
		p.patchExisting(ctx, existing, evt)
		return
	}

	p.classifyAndPersist(ctx, evt)
}

// patchExisting refreshes upstream metadata on a known detection instead of
// re-running the pipeline.
func (p *Processor) patchExisting(ctx context.Context, existing *datastore.Detection, evt *events.NVREvent) {
	patch := &datastore.DetectionPatch{}
	changed := false

	if score := evt.After.BestScore(); score != nil &&
		(existing.FrigateScore == nil || *existing.FrigateScore != *score) {
		patch.FrigateScore = score
		changed = true
	}
	if evt.After.SubLabel != nil &&
		(existing.SubLabel == nil || *existing.SubLabel != *evt.After.SubLabel) {
		patch.SubLabel = evt.After.SubLabel
		changed = true
	}
	if !changed {
		return
	}

	if err := p.store.Patch(ctx, existing.ExternalEventID, patch); err != nil {
		p.logger.Error("update patch failed", "event_id", existing.ExternalEventID, "error", err)
		return
	}
	p.countOutcome("persisted")
	p.broadcastDetection(ctx, existing.ExternalEventID, broadcaster.TypeDetectionUpdate)
}

// candidate is the primary label decision before persistence.
type candidate struct {
	label  string
	score  float64
	source string
}

// classifyAndPersist runs the full pipeline for a new detection.
func (p *Processor) classifyAndPersist(ctx context.Context, evt *events.NVREvent) {
	settings := p.settings()
	eventID := evt.After.ID

	snapshot, err := p.fetcher.FetchSnapshot(ctx, eventID)
	if err != nil {
		p.countFetch("error")
		p.countOutcome("fetch_failed")
		p.logger.Warn("snapshot fetch failed, nothing persisted", "event_id", eventID, "error", err)
		return
	}
	p.countFetch("hit")

	if p.cache != nil {
		if err := p.cache.Store(eventID, mediacache.KindSnapshot, snapshot); err != nil {
			p.logger.Warn("snapshot cache write failed", "event_id", eventID, "error", err)
		}
	}

	cand, outcome := p.decideLabel(ctx, settings, evt, snapshot)
	if cand == nil {
		p.countOutcome(outcome)
		return
	}

	detection := p.buildDetection(ctx, settings, evt, cand)

	if _, err := p.store.Upsert(ctx, detection); err != nil {
		p.countOutcome("dropped")
		p.logger.Error("persist failed, no broadcast", "event_id", eventID, "error", err)
		return
	}
	p.countOutcome("persisted")
	p.broadcastDetection(ctx, eventID, broadcaster.TypeDetection)
}

// decideLabel applies the fast path, local inference with thresholds, and
// the sub-label fallback. A nil candidate means the event is dropped with
// the returned outcome.
func (p *Processor) decideLabel(ctx context.Context, settings *conf.Settings, evt *events.NVREvent, snapshot []byte) (*candidate, string) {
	frigateCfg := &settings.Realtime.Frigate
	classCfg := &settings.Realtime.Classifier

	subLabel := ""
	if evt.After.SubLabel != nil {
		subLabel = strings.TrimSpace(*evt.After.SubLabel)
	}
	genericSub := subLabel == "" || classifier.IsUnknownLabel(subLabel)

	// Fast path: trust the NVR's species sub-label, skip local inference.
	if frigateCfg.TrustSublabel && !genericSub {
		return &candidate{label: subLabel, score: 0, source: "frigate"}, ""
	}

	results, err := p.runtime.ClassifyImage(ctx, snapshot)
	if err != nil {
		p.logger.Warn("inference failed", "event_id", evt.After.ID, "error", err)
		results = nil
	}

	if len(results) > 0 {
		top := results[0]
		switch {
		case p.isBlocked(classCfg, top.Label):
			if fallback := p.sublabelFallback(frigateCfg, subLabel, genericSub); fallback != nil {
				return fallback, ""
			}
			return nil, "blocked"
		case top.Score >= classCfg.Threshold && top.Score >= classCfg.MinConfidence:
			return &candidate{label: top.Label, score: top.Score, source: "snapshot"}, ""
		}
	}

	if fallback := p.sublabelFallback(frigateCfg, subLabel, genericSub); fallback != nil {
		return fallback, ""
	}
	return nil, "below_threshold"
}

func (p *Processor) sublabelFallback(frigateCfg *conf.FrigateSettings, subLabel string, genericSub bool) *candidate {
	if frigateCfg.SublabelFallback && !genericSub {
		return &candidate{label: subLabel, score: 0, source: "frigate"}
	}
	return nil
}

func (p *Processor) isBlocked(cfg *conf.ClassifierSettings, label string) bool {
	for _, blocked := range cfg.BlockedLabels {
		if strings.EqualFold(blocked, label) {
			return true
		}
	}
	return false
}

// buildDetection assembles the row: primary label, audio correlation,
// best-effort enrichment.
func (p *Processor) buildDetection(ctx context.Context, settings *conf.Settings, evt *events.NVREvent, cand *candidate) *datastore.Detection {
	detectionTime := time.Unix(int64(evt.After.StartTime), 0).UTC()
	if evt.After.StartTime == 0 {
		detectionTime = time.Now().UTC()
	}

	detection := &datastore.Detection{
		ExternalEventID: evt.After.ID,
		Camera:          evt.After.Camera,
		DetectionTime:   datastore.FormatTime(detectionTime),
		DisplayName:     cand.label,
		CategoryName:    cand.label,
		Score:           cand.score,
		Source:          cand.source,
		FrigateScore:    evt.After.BestScore(),
		SubLabel:        evt.After.SubLabel,
	}

	// Audio correlation never renames the primary label; it only annotates.
	audioCfg := &settings.Realtime.Audio
	sensor := audioCfg.SensorFor(evt.After.Camera)
	window := time.Duration(audioCfg.CorrelationWindow) * time.Second
	if match := p.matchAudio(sensor, detectionTime, window); match != nil {
		detection.AudioDetected = true
		detection.AudioSpecies = &match.Species
		detection.AudioScore = &match.Score
		if match.Species == cand.label && match.Score >= audioCfg.ConfirmScore {
			detection.AudioConfirmed = true
			if p.metrics != nil {
				p.metrics.AudioConfirmed.Inc()
			}
		}
	}

	if obs := p.weather.Current(ctx); obs != nil {
		detection.Temperature = &obs.Temperature
		detection.WeatherCondition = &obs.Condition
		detection.WindSpeed = &obs.WindSpeed
		detection.CloudCover = &obs.CloudCover
		detection.Precipitation = &obs.Precipitation
	}

	if entry := p.taxonomy.Lookup(ctx, cand.label); entry != nil {
		detection.ScientificName = &entry.ScientificName
		detection.CommonName = &entry.CommonName
		detection.TaxaID = &entry.TaxaID
	}

	return detection
}

func (p *Processor) matchAudio(sensor string, t time.Time, window time.Duration) *audiocorr.Event {
	if p.correlator == nil {
		return nil
	}
	return p.correlator.Match(sensor, t, window)
}

// broadcastDetection publishes the committed row. Reading it back keeps the
// broadcast strictly after (and consistent with) the write.
func (p *Processor) broadcastDetection(ctx context.Context, eventID, eventType string) {
	if p.hub == nil {
		return
	}
	row, err := p.store.GetByExternalID(ctx, eventID)
	if err != nil {
		p.logger.Warn("broadcast readback failed", "event_id", eventID, "error", err)
		return
	}
	p.hub.Publish(broadcaster.Event{
		Type: eventType,
		Data: row,
		Scope: &broadcaster.Scope{
			Camera:        row.Camera,
			Hidden:        row.IsHidden,
			DetectionTime: row.DetectionTime,
		},
	})
}

func (p *Processor) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	}
}

func (p *Processor) countFetch(result string) {
	if p.metrics != nil {
		p.metrics.SnapshotFetches.WithLabelValues(result).Inc()
	}
}
