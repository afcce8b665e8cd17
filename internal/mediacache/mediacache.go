// Package mediacache is a local content cache for NVR media keyed by
// external event id and kind. Writes are atomic (temp file + rename), the
// in-memory index keeps LRU order for size-based eviction, and a periodic
// sweep applies retention and removes empty or orphaned files.
package mediacache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/observability/metrics"
)

// Kind identifies the media artifact stored for an event.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindClip     Kind = "clip"
	KindVTT      Kind = "vtt"
	KindSprite   Kind = "vtt_sprite"
)

// indexSize bounds the in-memory index. It only caps tracking, not disk
// usage; disk usage is bounded by the sweep.
const indexSize = 65536

// ErrClipsDisabled is returned when a clip write is attempted while clip
// caching is turned off.
var ErrClipsDisabled = errors.Newf("clip caching is disabled: %w", errors.ErrForbidden).
	Component("mediacache").
	Category(errors.CategoryMediaCache).
	Build()

// entryMeta is the index record for one cached file.
type entryMeta struct {
	path string
	size int64
}

// Cache is the on-disk media cache.
type Cache struct {
	root          string
	retentionDays int
	maxUsageBytes int64
	clipsEnabled  bool

	mu        sync.Mutex
	index     *lru.Cache[string, *entryMeta]
	usedBytes int64

	metrics *metrics.MediaCacheMetrics
	logger  *slog.Logger
}

// New opens the cache rooted at settings.Path, creating the kind
// subdirectories and rebuilding the index from files already on disk.
func New(settings *conf.MediaCacheSettings, clipsEnabled bool, m *metrics.MediaCacheMetrics) (*Cache, error) {
	root := settings.Path
	if root == "" {
		root = filepath.Join("data", "media-cache")
	}
	for _, sub := range []string{"snapshots", "clips", "thumbs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.New(err).
				Component("mediacache").
				Category(errors.CategoryMediaCache).
				Context("path", root).
				Build()
		}
	}

	index, err := lru.New[string, *entryMeta](indexSize)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		root:          root,
		retentionDays: settings.RetentionDays,
		maxUsageBytes: settings.MaxUsageMB * 1024 * 1024,
		clipsEnabled:  clipsEnabled,
		index:         index,
		metrics:       m,
		logger:        logging.ForService("mediacache"),
	}
	c.rebuildIndex()
	return c, nil
}

// key builds the index key for an event/kind pair.
func key(eventID string, kind Kind) string {
	return string(kind) + "/" + eventID
}

// pathFor maps an event/kind pair to its on-disk location. VTT artifacts
// share the thumbs directory with distinct extensions.
func (c *Cache) pathFor(eventID string, kind Kind) string {
	switch kind {
	case KindSnapshot:
		return filepath.Join(c.root, "snapshots", eventID+".jpg")
	case KindClip:
		return filepath.Join(c.root, "clips", eventID+".mp4")
	case KindVTT:
		return filepath.Join(c.root, "thumbs", eventID+".vtt")
	case KindSprite:
		return filepath.Join(c.root, "thumbs", eventID+".jpg")
	default:
		return filepath.Join(c.root, "snapshots", eventID+".bin")
	}
}

// rebuildIndex walks the cache directories and registers existing files in
// modification-time order so LRU ordering survives a restart.
func (c *Cache) rebuildIndex() {
	type walked struct {
		key     string
		meta    *entryMeta
		modTime time.Time
	}
	var files []walked

	for kind, dir := range map[Kind]string{
		KindSnapshot: "snapshots",
		KindClip:     "clips",
		KindVTT:      "thumbs",
		KindSprite:   "thumbs",
	} {
		entries, err := os.ReadDir(filepath.Join(c.root, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := filepath.Ext(name)
			if kind == KindVTT && ext != ".vtt" {
				continue
			}
			if kind == KindSprite && ext != ".jpg" {
				continue
			}
			if kind == KindSnapshot && ext != ".jpg" {
				continue
			}
			if kind == KindClip && ext != ".mp4" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			eventID := strings.TrimSuffix(name, ext)
			files = append(files, walked{
				key:     key(eventID, kind),
				meta:    &entryMeta{path: filepath.Join(c.root, dir, name), size: info.Size()},
				modTime: info.ModTime(),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.index.Add(f.key, f.meta)
		c.usedBytes += f.meta.size
	}
	c.publishUsage()
	if len(files) > 0 {
		c.logger.Info("rebuilt media cache index",
			"files", len(files), "bytes", c.usedBytes)
	}
}

// Store writes a media artifact atomically. Empty payloads are rejected so a
// truncated upstream response never poisons the cache. Clip writes fail with
// ErrClipsDisabled while clip caching is off.
func (c *Cache) Store(eventID string, kind Kind, data []byte) error {
	if kind == KindClip && !c.clipsEnabled {
		return ErrClipsDisabled
	}
	if len(data) == 0 {
		return errors.Newf("refusing to cache empty payload: %w", errors.ErrInvalidInput).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("event_id", eventID).
			Context("kind", string(kind)).
			Build()
	}

	path := c.pathFor(eventID, kind)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New(err).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("path", path).
			Build()
	}

	c.track(eventID, kind, path, int64(len(data)))
	return nil
}

// StoreStream writes a media artifact from a reader without holding the
// payload in memory. The write is atomic: a failed or abandoned copy leaves
// no partial file behind.
func (c *Cache) StoreStream(eventID string, kind Kind, r io.Reader) (int64, error) {
	if kind == KindClip && !c.clipsEnabled {
		return 0, ErrClipsDisabled
	}

	path := c.pathFor(eventID, kind)
	pending, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return 0, errors.New(err).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("path", path).
			Build()
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, r)
	if err != nil {
		return 0, errors.New(err).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("path", path).
			Build()
	}
	if n == 0 {
		return 0, errors.Newf("refusing to cache empty payload: %w", errors.ErrInvalidInput).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("event_id", eventID).
			Context("kind", string(kind)).
			Build()
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, errors.New(err).
			Component("mediacache").
			Category(errors.CategoryMediaCache).
			Context("path", path).
			Build()
	}

	c.track(eventID, kind, path, n)
	return n, nil
}

// track registers a freshly written file in the index.
func (c *Cache) track(eventID string, kind Kind, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(eventID, kind)
	if prev, ok := c.index.Peek(k); ok {
		c.usedBytes -= prev.size
	}
	c.index.Add(k, &entryMeta{path: path, size: size})
	c.usedBytes += size
	c.publishUsage()
}

// Open returns a reader and size for a cached artifact, bumping its LRU
// position. A miss returns errors.ErrNotFound.
func (c *Cache) Open(eventID string, kind Kind) (*os.File, int64, error) {
	c.mu.Lock()
	meta, ok := c.index.Get(key(eventID, kind))
	c.mu.Unlock()

	if !ok {
		c.countMiss(kind)
		return nil, 0, errors.Newf("media not cached: %w", errors.ErrNotFound).
			Component("mediacache").
			Category(errors.CategoryNotFound).
			Context("event_id", eventID).
			Context("kind", string(kind)).
			Build()
	}

	f, err := os.Open(meta.path)
	if err != nil {
		// The file vanished underneath the index; drop the stale entry.
		c.remove(eventID, kind, "orphan")
		c.countMiss(kind)
		return nil, 0, errors.Newf("media not cached: %w", errors.ErrNotFound).
			Component("mediacache").
			Category(errors.CategoryNotFound).
			Context("event_id", eventID).
			Build()
	}

	c.countHit(kind)
	return f, meta.size, nil
}

// Has reports whether an artifact is cached, without touching LRU order.
func (c *Cache) Has(eventID string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index.Peek(key(eventID, kind))
	return ok
}

// remove deletes one artifact from disk and index, counting the eviction.
func (c *Cache) remove(eventID string, kind Kind, reason string) {
	c.mu.Lock()
	k := key(eventID, kind)
	meta, ok := c.index.Peek(k)
	if ok {
		c.index.Remove(k)
		c.usedBytes -= meta.size
		c.publishUsage()
	}
	c.mu.Unlock()

	if ok {
		_ = os.Remove(meta.path)
		if c.metrics != nil {
			c.metrics.Evictions.WithLabelValues(reason).Inc()
		}
	}
}

// Sweep applies the eviction policies in order: empty files, orphans (no
// detection for the event id), retention, then size-based LRU until usage is
// back under budget. exists reports whether a detection row is present;
// passing nil skips the orphan pass.
func (c *Cache) Sweep(ctx context.Context, exists func(ctx context.Context, eventID string) bool) {
	type victim struct {
		eventID string
		kind    Kind
		reason  string
	}
	var victims []victim

	cutoff := time.Time{}
	if c.retentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -c.retentionDays)
	}

	c.mu.Lock()
	keys := c.index.Keys()
	metas := make(map[string]*entryMeta, len(keys))
	for _, k := range keys {
		if meta, ok := c.index.Peek(k); ok {
			metas[k] = meta
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		meta := metas[k]
		if meta == nil {
			continue
		}
		kind, eventID, ok := strings.Cut(k, "/")
		if !ok {
			continue
		}

		info, err := os.Stat(meta.path)
		switch {
		case err != nil || info.Size() == 0:
			victims = append(victims, victim{eventID, Kind(kind), "empty"})
		case exists != nil && !exists(ctx, eventID):
			victims = append(victims, victim{eventID, Kind(kind), "orphan"})
		case !cutoff.IsZero() && info.ModTime().Before(cutoff):
			victims = append(victims, victim{eventID, Kind(kind), "retention"})
		}
	}

	for _, v := range victims {
		c.remove(v.eventID, v.kind, v.reason)
	}

	// Size pass: Keys() is oldest-access first, so evicting from the front
	// is LRU order.
	if c.maxUsageBytes > 0 {
		c.mu.Lock()
		over := c.usedBytes > c.maxUsageBytes
		keys = c.index.Keys()
		c.mu.Unlock()

		for _, k := range keys {
			if !over || ctx.Err() != nil {
				break
			}
			kind, eventID, ok := strings.Cut(k, "/")
			if !ok {
				continue
			}
			c.remove(eventID, Kind(kind), "size")

			c.mu.Lock()
			over = c.usedBytes > c.maxUsageBytes
			c.mu.Unlock()
		}
	}
}

// UsedBytes returns the tracked cache size.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *Cache) publishUsage() {
	if c.metrics != nil {
		c.metrics.BytesStored.Set(float64(c.usedBytes))
	}
}

func (c *Cache) countHit(kind Kind) {
	if c.metrics != nil {
		c.metrics.Hits.WithLabelValues(string(kind)).Inc()
	}
}

func (c *Cache) countMiss(kind Kind) {
	if c.metrics != nil {
		c.metrics.Misses.WithLabelValues(string(kind)).Inc()
	}
}
