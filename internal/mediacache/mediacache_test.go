package mediacache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
)

func newTestCache(t *testing.T, clipsEnabled bool, maxUsageMB int64) *Cache {
	t.Helper()
	c, err := New(&conf.MediaCacheSettings{
		Path:          t.TempDir(),
		RetentionDays: 30,
		MaxUsageMB:    maxUsageMB,
	}, clipsEnabled, nil)
	require.NoError(t, err)
	return c
}

func TestStoreAndOpenRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	require.NoError(t, c.Store("evt-1", KindSnapshot, []byte("jpeg-bytes")))

	f, size, err := c.Open("evt-1", KindSnapshot)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, int64(10), size)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestOpenMissReturnsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	_, _, err := c.Open("nope", KindSnapshot)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreRefusesEmptyPayload(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	err := c.Store("evt-1", KindSnapshot, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.False(t, c.Has("evt-1", KindSnapshot))
}

func TestClipWritesRefusedWhenDisabled(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, false, 100)
	err := c.Store("evt-1", KindClip, []byte("mp4"))
	assert.ErrorIs(t, err, ErrClipsDisabled)

	_, err = c.StoreStream("evt-1", KindClip, bytes.NewReader([]byte("mp4")))
	assert.ErrorIs(t, err, ErrClipsDisabled)

	// Snapshots are unaffected.
	assert.NoError(t, c.Store("evt-1", KindSnapshot, []byte("jpg")))
}

func TestStoreStream(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	payload := bytes.Repeat([]byte("x"), 4096)
	n, err := c.StoreStream("evt-1", KindClip, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	f, size, err := c.Open("evt-1", KindClip)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Equal(t, int64(4096), size)
}

func TestStoreStreamEmptyLeavesNoFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	_, err := c.StoreStream("evt-1", KindClip, bytes.NewReader(nil))
	require.Error(t, err)
	assert.False(t, c.Has("evt-1", KindClip))

	entries, err := os.ReadDir(filepath.Join(c.root, "clips"))
	require.NoError(t, err)
	assert.Empty(t, entries, "abandoned stream must not leave partial files")
}

func TestVTTAndSpriteShareThumbsDir(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	require.NoError(t, c.Store("evt-1", KindVTT, []byte("WEBVTT")))
	require.NoError(t, c.Store("evt-1", KindSprite, []byte("sprite")))

	assert.True(t, c.Has("evt-1", KindVTT))
	assert.True(t, c.Has("evt-1", KindSprite))

	f, _, err := c.Open("evt-1", KindVTT)
	require.NoError(t, err)
	data, _ := io.ReadAll(f)
	_ = f.Close()
	assert.Equal(t, "WEBVTT", string(data))
}

func TestRebuildIndexAfterRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	settings := &conf.MediaCacheSettings{Path: dir, RetentionDays: 30, MaxUsageMB: 100}

	first, err := New(settings, true, nil)
	require.NoError(t, err)
	require.NoError(t, first.Store("evt-1", KindSnapshot, []byte("persisted")))

	second, err := New(settings, true, nil)
	require.NoError(t, err)
	assert.True(t, second.Has("evt-1", KindSnapshot))
	assert.Equal(t, int64(9), second.UsedBytes())
}

func TestSweepRemovesOrphansAndEmptyFiles(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	require.NoError(t, c.Store("kept", KindSnapshot, []byte("data")))
	require.NoError(t, c.Store("orphaned", KindSnapshot, []byte("data")))
	require.NoError(t, c.Store("emptied", KindSnapshot, []byte("data")))

	// Truncate one file behind the cache's back.
	require.NoError(t, os.Truncate(c.pathFor("emptied", KindSnapshot), 0))

	c.Sweep(context.Background(), func(_ context.Context, eventID string) bool {
		return eventID != "orphaned"
	})

	assert.True(t, c.Has("kept", KindSnapshot))
	assert.False(t, c.Has("orphaned", KindSnapshot))
	assert.False(t, c.Has("emptied", KindSnapshot))
}

func TestSweepEnforcesSizeBudgetLRU(t *testing.T) {
	t.Parallel()

	// 1 MB budget, three ~400 KB entries: the sweep must evict the least
	// recently used entries until under budget.
	c := newTestCache(t, true, 1)
	payload := bytes.Repeat([]byte("x"), 400*1024)

	require.NoError(t, c.Store("old", KindSnapshot, payload))
	require.NoError(t, c.Store("mid", KindSnapshot, payload))
	require.NoError(t, c.Store("new", KindSnapshot, payload))

	// Touch "old" so "mid" becomes the least recently used.
	f, _, err := c.Open("old", KindSnapshot)
	require.NoError(t, err)
	_ = f.Close()

	c.Sweep(context.Background(), nil)

	assert.LessOrEqual(t, c.UsedBytes(), int64(1024*1024))
	assert.False(t, c.Has("mid", KindSnapshot))
	assert.True(t, c.Has("new", KindSnapshot))
}

func TestSweepRetention(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, true, 100)
	require.NoError(t, c.Store("stale", KindSnapshot, []byte("data")))

	// Age the file past the retention window.
	old := time.Now().AddDate(0, 0, -60)
	require.NoError(t, os.Chtimes(c.pathFor("stale", KindSnapshot), old, old))

	c.Sweep(context.Background(), nil)
	assert.False(t, c.Has("stale", KindSnapshot))
}
