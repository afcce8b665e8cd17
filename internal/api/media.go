// media.go: the media proxy to the NVR. Snapshots are cached eagerly,
// clips stream through without ever being buffered whole, and byte ranges
// follow HTTP semantics exactly. Guest authorization runs before any
// upstream traffic.
package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/mediacache"
)

// clipProxyHeaders are the upstream response headers forwarded to the
// client on clip requests.
var clipProxyHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

// authorizeMedia runs the pre-fetch gate shared by every media endpoint:
// the detection row must exist and be visible to the caller.
func (c *Controller) authorizeMedia(ctx echo.Context) (*datastore.Detection, error) {
	v := c.viewerFor(ctx.Request())
	if err := c.throttleGuest(ctx, v); err != nil {
		return nil, err
	}
	row, err := c.ds.GetByExternalID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return nil, err
	}
	if !c.guestCanSee(v, row) {
		return nil, errors.Newf("media access denied: %w", errors.ErrForbidden).
			Component("api").
			Category(errors.CategoryForbidden).
			Build()
	}
	return row, nil
}

// GetSnapshot handles GET /frigate/{id}/snapshot.jpg with eager caching.
func (c *Controller) GetSnapshot(ctx echo.Context) error {
	row, err := c.authorizeMedia(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if c.serveCached(ctx, row.ExternalEventID, mediacache.KindSnapshot, "image/jpeg") {
		return nil
	}
	if c.frigate == nil {
		return c.handleError(ctx, upstreamUnavailable())
	}

	data, err := c.frigate.FetchSnapshot(ctx.Request().Context(), row.ExternalEventID)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if c.cache != nil {
		if err := c.cache.Store(row.ExternalEventID, mediacache.KindSnapshot, data); err != nil {
			c.logger.Debug("snapshot cache write failed", "event_id", row.ExternalEventID, "error", err)
		}
	}
	return ctx.Blob(http.StatusOK, "image/jpeg", data)
}

// GetThumbnail handles GET /frigate/{id}/thumbnail.jpg, pass-through.
func (c *Controller) GetThumbnail(ctx echo.Context) error {
	row, err := c.authorizeMedia(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if c.frigate == nil {
		return c.handleError(ctx, upstreamUnavailable())
	}

	data, err := c.frigate.FetchThumbnail(ctx.Request().Context(), row.ExternalEventID)
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.Blob(http.StatusOK, "image/jpeg", data)
}

// GetClip handles GET /frigate/{id}/clip.mp4.
func (c *Controller) GetClip(ctx echo.Context) error {
	return c.proxyClip(ctx, http.MethodGet)
}

// HeadClip handles HEAD /frigate/{id}/clip.mp4 so players can probe size
// and range support before streaming.
func (c *Controller) HeadClip(ctx echo.Context) error {
	return c.proxyClip(ctx, http.MethodHead)
}

func (c *Controller) proxyClip(ctx echo.Context, method string) error {
	row, err := c.authorizeMedia(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if !c.settings().Realtime.Frigate.ClipsEnabled {
		return c.handleError(ctx, clipsDisabled())
	}

	// A cached clip is served straight from disk; ServeContent implements
	// range semantics over the file.
	if c.cache != nil {
		if f, _, err := c.cache.Open(row.ExternalEventID, mediacache.KindClip); err == nil {
			defer func() { _ = f.Close() }()
			stat, statErr := f.Stat()
			if statErr == nil {
				ctx.Response().Header().Set("Content-Type", "video/mp4")
				http.ServeContent(ctx.Response(), ctx.Request(), "clip.mp4", stat.ModTime(), f)
				return nil
			}
		}
	}

	if c.frigate == nil {
		return c.handleError(ctx, upstreamUnavailable())
	}

	resp, err := c.frigate.OpenClip(ctx.Request().Context(), method,
		row.ExternalEventID, ctx.Request().Header.Get("Range"))
	if err != nil {
		return c.handleError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK && resp.ContentLength == 0 {
		return c.handleError(ctx, errors.Newf("upstream returned an empty clip: %w", errors.ErrUpstream).
			Component("api").
			Category(errors.CategoryUpstream).
			Build())
	}

	body := io.Reader(resp.Body)
	// Chunked upstream responses declare no length; sniff one byte before
	// any header is written so an empty body becomes a 502 rather than a
	// 200 with zero bytes.
	if method != http.MethodHead && resp.StatusCode == http.StatusOK && resp.ContentLength < 0 {
		first := make([]byte, 1)
		if _, err := io.ReadFull(resp.Body, first); err != nil {
			return c.handleError(ctx, errors.Newf("upstream returned an empty clip: %w", errors.ErrUpstream).
				Component("api").
				Category(errors.CategoryUpstream).
				Build())
		}
		body = io.MultiReader(bytes.NewReader(first), resp.Body)
	}

	header := ctx.Response().Header()
	for _, name := range clipProxyHeaders {
		if value := resp.Header.Get(name); value != "" {
			header.Set(name, value)
		}
	}
	if header.Get("Accept-Ranges") == "" {
		header.Set("Accept-Ranges", "bytes")
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "video/mp4")
	}
	ctx.Response().WriteHeader(resp.StatusCode)

	if method == http.MethodHead {
		return nil
	}

	var cacheDone func(err error)
	// Full responses are written through to the cache while streaming. A
	// client disconnect aborts the temp file, never the published entry.
	if resp.StatusCode == http.StatusOK && ctx.Request().Header.Get("Range") == "" && c.cache != nil {
		body, cacheDone = c.teeToCache(row.ExternalEventID, body)
	}

	_, copyErr := io.Copy(ctx.Response(), body)
	if cacheDone != nil {
		cacheDone(copyErr)
	}
	return nil
}

// teeToCache splits the upstream stream between the client and an atomic
// cache write. The returned done func must be called with the copy error.
func (c *Controller) teeToCache(eventID string, body io.Reader) (io.Reader, func(error)) {
	pr, pw := io.Pipe()
	written := make(chan struct{})
	go func() {
		defer close(written)
		if _, err := c.cache.StoreStream(eventID, mediacache.KindClip, pr); err != nil &&
			!errors.Is(err, mediacache.ErrClipsDisabled) {
			c.logger.Debug("clip cache write failed", "event_id", eventID, "error", err)
		}
	}()
	return io.TeeReader(body, pw), func(copyErr error) {
		if copyErr != nil {
			_ = pw.CloseWithError(copyErr)
		} else {
			_ = pw.Close()
		}
		<-written
	}
}

// GetClipVTT handles GET /frigate/{id}/clip-thumbnails.vtt. The track is
// generated by reclassification; until then it is a 404.
func (c *Controller) GetClipVTT(ctx echo.Context) error {
	return c.serveTimelineAsset(ctx, mediacache.KindVTT, "text/vtt")
}

// GetClipSprite handles GET /frigate/{id}/clip-thumbnails.jpg.
func (c *Controller) GetClipSprite(ctx echo.Context) error {
	return c.serveTimelineAsset(ctx, mediacache.KindSprite, "image/jpeg")
}

func (c *Controller) serveTimelineAsset(ctx echo.Context, kind mediacache.Kind, contentType string) error {
	row, err := c.authorizeMedia(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if !c.settings().Realtime.Frigate.ClipsEnabled {
		return c.handleError(ctx, clipsDisabled())
	}
	if c.serveCached(ctx, row.ExternalEventID, kind, contentType) {
		return nil
	}
	return c.handleError(ctx, errors.Newf("no clip thumbnails for event: %w", errors.ErrNotFound).
		Component("api").
		Category(errors.CategoryNotFound).
		Build())
}

// serveCached streams a cache entry when present.
func (c *Controller) serveCached(ctx echo.Context, eventID string, kind mediacache.Kind, contentType string) bool {
	if c.cache == nil {
		return false
	}
	f, size, err := c.cache.Open(eventID, kind)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	header := ctx.Response().Header()
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	ctx.Response().WriteHeader(http.StatusOK)
	_, _ = io.Copy(ctx.Response(), f)
	return true
}

func clipsDisabled() error {
	return errors.Newf("clips are disabled: %w", errors.ErrForbidden).
		Component("api").
		Category(errors.CategoryForbidden).
		Build()
}

func upstreamUnavailable() error {
	return errors.Newf("NVR is not configured: %w", errors.ErrUpstream).
		Component("api").
		Category(errors.CategoryUpstream).
		Build()
}
