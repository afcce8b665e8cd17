// sse.go: the /sse endpoint. Each connection gets its own bounded
// subscription; a slow client only loses its own events.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/errors"
)

// StreamSSE handles GET /sse. Bearer tokens are accepted via header or the
// token query parameter; unauthenticated callers get the guest-filtered
// stream when guest access is enabled.
func (c *Controller) StreamSSE(ctx echo.Context) error {
	if c.hub == nil {
		return c.handleError(ctx, errors.Newf("event stream is not available: %w", errors.ErrNotReady).
			Component("api").
			Category(errors.CategoryNotReady).
			Build())
	}

	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}

	res := ctx.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.handleError(ctx, errors.Newf("streaming unsupported by connection").
			Component("api").
			Build())
	}

	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	sub, cancel := c.hub.Subscribe(!v.owner, broadcaster.GuestFilter{
		AllowedCameras: v.guest.AllowedCameras,
		HistoryDays:    v.guest.HistoryDays,
	})
	defer cancel()

	if err := writeSSE(res, flusher, broadcaster.Event{
		Type: broadcaster.TypeConnected,
		Data: map[string]any{"guest": !v.owner},
	}); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(broadcaster.HeartbeatInterval)
	defer heartbeat.Stop()

	reqCtx := ctx.Request().Context()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case evt, open := <-sub.Events():
			if !open {
				return nil
			}
			if err := writeSSE(res, flusher, evt); err != nil {
				return nil
			}
		case <-heartbeat.C:
			// Comment frame; keeps proxies from reaping idle connections.
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(res *echo.Response, flusher http.Flusher, evt broadcaster.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		data = []byte("{}")
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
