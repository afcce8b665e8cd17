// Package reclassify runs deep video reclassification jobs: sample frames
// from the event clip, classify each, aggregate by soft voting, and promote
// the result when it beats the stored label. Jobs stream progress through
// the broadcaster and are bounded by per-event exclusivity, a global
// concurrency cap, and a total deadline.
package reclassify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/classifier"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/frigate"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/mediacache"
)

// StrategyVideo is the only supported reclassification strategy.
const StrategyVideo = "video"

const defaultFrameDeadline = 30 * time.Second

// ClipSource is the slice of the NVR client the reclassifier needs.
type ClipSource interface {
	GetEvent(ctx context.Context, eventID string) (*frigate.Event, error)
	OpenClip(ctx context.Context, method, eventID, rangeHeader string) (*http.Response, error)
}

// Progress is the payload of a reclassification_progress event.
type Progress struct {
	ExternalEventID string  `json:"external_event_id"`
	CurrentFrame    int     `json:"current_frame"`
	TotalFrames     int     `json:"total_frames"`
	OffsetMs        int64   `json:"offset_ms"`
	Label           string  `json:"label,omitempty"`
	Score           float64 `json:"score,omitempty"`
	SpriteCell      int     `json:"sprite_cell"`
}

// Completion is the payload of a completed or failed event.
type Completion struct {
	ExternalEventID string  `json:"external_event_id"`
	Label           string  `json:"label,omitempty"`
	Score           float64 `json:"score,omitempty"`
	Promoted        bool    `json:"promoted"`
	Error           string  `json:"error,omitempty"`
}

// Manager owns reclassification jobs.
type Manager struct {
	settings  func() *conf.Settings
	store     datastore.Interface
	source    ClipSource
	runtime   classifier.Runtime
	extractor FrameExtractor
	cache     *mediacache.Cache
	hub       *broadcaster.Broadcaster

	sem    *semaphore.Weighted
	mu     sync.Mutex
	active map[string]struct{}

	logger *slog.Logger
}

// Config wires the manager's collaborators. Cache and hub may be nil.
type Config struct {
	Settings  func() *conf.Settings
	Store     datastore.Interface
	Source    ClipSource
	Runtime   classifier.Runtime
	Extractor FrameExtractor
	Cache     *mediacache.Cache
	Hub       *broadcaster.Broadcaster

	// MaxConcurrent caps jobs across all events; 0 means NumCPU.
	MaxConcurrent int
}

// New creates the manager.
func New(cfg *Config) *Manager {
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = NewFFmpegExtractor()
	}
	return &Manager{
		settings:  cfg.Settings,
		store:     cfg.Store,
		source:    cfg.Source,
		runtime:   cfg.Runtime,
		extractor: extractor,
		cache:     cfg.Cache,
		hub:       cfg.Hub,
		sem:       semaphore.NewWeighted(int64(workers)),
		active:    make(map[string]struct{}),
		logger:    logging.ForService("reclassify"),
	}
}

// Start validates the request and launches the job. It returns as soon as
// the job is accepted; progress and completion arrive over the broadcaster.
func (m *Manager) Start(ctx context.Context, eventID, strategy string) error {
	if strategy != StrategyVideo {
		return errors.Newf("unknown strategy %q: %w", strategy, errors.ErrInvalidInput).
			Component("reclassify").
			Category(errors.CategoryValidation).
			Build()
	}

	row, err := m.store.GetByExternalID(ctx, eventID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, busy := m.active[eventID]; busy {
		m.mu.Unlock()
		return errors.Newf("reclassification already running for %s: %w", eventID, errors.ErrConflict).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Build()
	}
	m.active[eventID] = struct{}{}
	m.mu.Unlock()

	go m.run(eventID, row.Camera)
	return nil
}

// Running reports whether a job is active for the event, for tests and
// status endpoints.
func (m *Manager) Running(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.active[eventID]
	return busy
}

// run executes one job under the global concurrency cap and the job
// deadline. The context is detached from the originating HTTP request.
func (m *Manager) run(eventID, camera string) {
	defer func() {
		m.mu.Lock()
		delete(m.active, eventID)
		m.mu.Unlock()
	}()

	settings := m.settings()
	deadline := settings.Realtime.VideoAnalysis.JobDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(eventID, camera, "job queue deadline exceeded")
		return
	}
	defer m.sem.Release(1)

	if err := m.execute(ctx, settings, eventID, camera); err != nil {
		m.logger.Warn("reclassification failed", "event_id", eventID, "error", err)
		m.fail(eventID, camera, err.Error())
	}
}

func (m *Manager) execute(ctx context.Context, settings *conf.Settings, eventID, camera string) error {
	status := "in_progress"
	if err := m.store.Patch(ctx, eventID, &datastore.DetectionPatch{VideoClassificationStatus: &status}); err != nil {
		return err
	}
	m.publish(broadcaster.TypeReclassStarted, camera,
		&Completion{ExternalEventID: eventID})

	upstream, err := m.source.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if !upstream.HasClip {
		return errors.Newf("event has no clip: %w", errors.ErrInvalidInput).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Context("event_id", eventID).
			Build()
	}

	clipPath, cleanup, err := m.downloadClip(ctx, eventID)
	if err != nil {
		return err
	}
	defer cleanup()

	clipLength, err := m.extractor.Duration(ctx, clipPath)
	if err != nil {
		return err
	}

	maxFrames := settings.Realtime.VideoAnalysis.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 15
	}
	offsets := SampleOffsets(clipLength, maxFrames, eventID)
	if len(offsets) == 0 {
		return errors.Newf("clip too short to sample").
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Build()
	}

	frames, perFrame := m.classifyFrames(ctx, settings, eventID, camera, clipPath, offsets)
	if len(perFrame) == 0 {
		return errors.Newf("no frame could be classified").
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Build()
	}

	m.storeThumbnails(eventID, frames, offsets, clipLength)

	label, score := classifier.SoftVote(perFrame, len(offsets))
	return m.finish(ctx, settings, eventID, camera, label, score)
}

// classifyFrames extracts and classifies each sampled offset, emitting a
// progress event per frame. Individual frame failures are skipped.
func (m *Manager) classifyFrames(ctx context.Context, settings *conf.Settings, eventID, camera, clipPath string, offsets []time.Duration) (frames [][]byte, perFrame [][]classifier.Result) {
	frameDeadline := settings.Realtime.VideoAnalysis.FrameDeadline
	if frameDeadline <= 0 {
		frameDeadline = defaultFrameDeadline
	}

	frames = make([][]byte, len(offsets))
	for i, offset := range offsets {
		if ctx.Err() != nil {
			return frames, perFrame
		}

		frameCtx, cancel := context.WithTimeout(ctx, frameDeadline)
		frame, err := m.extractor.ExtractFrame(frameCtx, clipPath, offset)
		if err != nil {
			cancel()
			m.logger.Debug("frame extraction failed", "event_id", eventID, "offset", offset, "error", err)
			continue
		}
		frames[i] = frame

		results, err := m.runtime.ClassifyImage(frameCtx, frame)
		cancel()
		if err != nil {
			m.logger.Debug("frame inference failed", "event_id", eventID, "offset", offset, "error", err)
			continue
		}
		perFrame = append(perFrame, results)

		progress := &Progress{
			ExternalEventID: eventID,
			CurrentFrame:    i + 1,
			TotalFrames:     len(offsets),
			OffsetMs:        offset.Milliseconds(),
			SpriteCell:      i,
		}
		if len(results) > 0 {
			progress.Label = results[0].Label
			progress.Score = results[0].Score
		}
		m.publish(broadcaster.TypeReclassProgress, camera, progress)
	}
	return frames, perFrame
}

// downloadClip streams the clip to a temp file; clips never live in memory.
func (m *Manager) downloadClip(ctx context.Context, eventID string) (path string, cleanup func(), err error) {
	resp, err := m.source.OpenClip(ctx, http.MethodGet, eventID, "")
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	tmp, err := os.CreateTemp("", "birdframe-clip-*.mp4")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil || n == 0 {
		cleanup()
		return "", nil, errors.Newf("clip download failed (%d bytes): %w", n, errors.ErrUpstream).
			Component("reclassify").
			Category(errors.CategoryReclassify).
			Context("event_id", eventID).
			Build()
	}

	if m.cache != nil {
		if f, err := os.Open(tmp.Name()); err == nil {
			if _, err := m.cache.StoreStream(eventID, mediacache.KindClip, f); err != nil &&
				!errors.Is(err, mediacache.ErrClipsDisabled) {
				m.logger.Debug("clip cache write failed", "event_id", eventID, "error", err)
			}
			_ = f.Close()
		}
	}
	return tmp.Name(), cleanup, nil
}

// storeThumbnails writes the sprite strip and its WebVTT track, best effort.
func (m *Manager) storeThumbnails(eventID string, frames [][]byte, offsets []time.Duration, clipLength time.Duration) {
	if m.cache == nil {
		return
	}
	sprite, err := buildSprite(frames)
	if err != nil || len(sprite) == 0 {
		return
	}
	if err := m.cache.Store(eventID, mediacache.KindSprite, sprite); err != nil {
		m.logger.Debug("sprite cache write failed", "event_id", eventID, "error", err)
		return
	}
	vtt := buildVTT(offsets, clipLength, "clip-thumbnails.jpg")
	if err := m.cache.Store(eventID, mediacache.KindVTT, []byte(vtt)); err != nil {
		m.logger.Debug("vtt cache write failed", "event_id", eventID, "error", err)
	}
}

// finish persists the verdict. The ensemble is promoted to the primary
// label only when it beats the stored score, is not an unknown label, and
// does not override a manual relabel (unless configured to).
func (m *Manager) finish(ctx context.Context, settings *conf.Settings, eventID, camera, label string, score float64) error {
	current, err := m.store.GetByExternalID(ctx, eventID)
	if err != nil {
		return err
	}

	promote := score > current.Score &&
		!classifier.IsUnknownLabel(label) &&
		(current.Source != "manual" || settings.Realtime.VideoAnalysis.OverrideManual)

	status := "completed"
	patch := &datastore.DetectionPatch{
		VideoClassificationStatus: &status,
		VideoClassificationLabel:  &label,
		VideoClassificationScore:  &score,
	}
	if promote {
		source := "video"
		patch.DisplayName = &label
		patch.Score = &score
		patch.Source = &source

		// The primary species changed; audio confirmation is re-evaluated
		// against the new label.
		confirmed := current.AudioSpecies != nil &&
			*current.AudioSpecies == label &&
			current.AudioScore != nil &&
			*current.AudioScore >= settings.Realtime.Audio.ConfirmScore
		patch.AudioConfirmed = &confirmed
	}

	if err := m.store.Patch(ctx, eventID, patch); err != nil {
		return err
	}

	m.publish(broadcaster.TypeReclassDone, camera, &Completion{
		ExternalEventID: eventID,
		Label:           label,
		Score:           score,
		Promoted:        promote,
	})
	m.broadcastRow(ctx, eventID)
	return nil
}

// fail marks the job failed and emits the failure event. The job context
// may already be expired by the time a job fails, so the status write runs
// on its own short deadline. Patch errors are logged only; the job is
// already failing.
func (m *Manager) fail(eventID, camera, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := "failed"
	if err := m.store.Patch(ctx, eventID, &datastore.DetectionPatch{VideoClassificationStatus: &status}); err != nil {
		m.logger.Error("failed to mark job failed", "event_id", eventID, "error", err)
	}
	m.publish(broadcaster.TypeReclassFailed, camera, &Completion{
		ExternalEventID: eventID,
		Error:           reason,
	})
}

func (m *Manager) publish(eventType, camera string, data any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(broadcaster.Event{
		Type:  eventType,
		Data:  data,
		Scope: &broadcaster.Scope{Camera: camera},
	})
}

// broadcastRow emits the committed row as a detection update.
func (m *Manager) broadcastRow(ctx context.Context, eventID string) {
	if m.hub == nil {
		return
	}
	row, err := m.store.GetByExternalID(ctx, eventID)
	if err != nil {
		return
	}
	m.hub.Publish(broadcaster.Event{
		Type: broadcaster.TypeDetectionUpdate,
		Data: row,
		Scope: &broadcaster.Scope{
			Camera:        row.Camera,
			Hidden:        row.IsHidden,
			DetectionTime: row.DetectionTime,
		},
	})
}
