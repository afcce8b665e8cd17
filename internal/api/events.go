// events.go: detection listing, detail, manual edits and reclassification.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/reclassify"
)

// ListResponse wraps a detection page.
type ListResponse struct {
	Events []datastore.Detection `json:"events"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// filtersFromQuery builds store filters from the query string, constrained
// by the caller's privileges.
func (c *Controller) filtersFromQuery(ctx echo.Context, v viewer) (*datastore.DetectionFilters, error) {
	q := ctx.QueryParams()

	filters := &datastore.DetectionFilters{
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
		Camera:    q.Get("camera"),
		Species:   q.Get("species"),
	}

	if raw := q.Get("min_score"); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil || score < 0 || score > 1 {
			return nil, errors.Newf("min_score must be in [0,1]: %w", errors.ErrInvalidInput).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		filters.MinScore = score
	}
	if raw := q.Get("audio_confirmed"); raw != "" {
		confirmed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Newf("audio_confirmed must be a boolean: %w", errors.ErrInvalidInput).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		filters.AudioConfirmed = &confirmed
	}

	if v.owner {
		filters.IncludeHidden, _ = strconv.ParseBool(q.Get("include_hidden"))
	} else {
		// Guests never see hidden rows and are pinned to their camera list
		// and public history window. An empty camera list allows all.
		filters.IncludeHidden = false
		if len(v.guest.AllowedCameras) > 0 {
			filters.AllowedCameras = v.guest.AllowedCameras
		}
		if v.guest.HistoryDays > 0 {
			cutoff := guestHistoryCutoff(v.guest.HistoryDays)
			if filters.StartDate == "" || filters.StartDate < cutoff {
				filters.StartDate = cutoff
			}
		}
	}
	return filters, nil
}

func pageFromQuery(ctx echo.Context) (limit, offset int, err error) {
	provided := false
	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.Newf("limit must be an integer: %w", errors.ErrInvalidInput).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		provided = true
	}
	if limit, err = datastore.ValidateListLimit(limit, provided); err != nil {
		return 0, 0, err
	}
	if raw := ctx.QueryParam("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.Newf("offset must be a non-negative integer: %w", errors.ErrInvalidInput).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	return limit, offset, nil
}

// ListEvents handles GET /api/v1/events.
func (c *Controller) ListEvents(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}
	if err := c.throttleGuest(ctx, v); err != nil {
		return c.handleError(ctx, err)
	}

	filters, err := c.filtersFromQuery(ctx, v)
	if err != nil {
		return c.handleError(ctx, err)
	}
	limit, offset, err := pageFromQuery(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	sort := ctx.QueryParam("sort")
	if sort == "" {
		sort = datastore.SortNewest
	}

	events, err := c.ds.List(ctx.Request().Context(), filters, sort, limit, offset)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if events == nil {
		events = []datastore.Detection{}
	}
	return ctx.JSON(http.StatusOK, ListResponse{Events: events, Limit: limit, Offset: offset})
}

// CountEvents handles GET /api/v1/events/count.
func (c *Controller) CountEvents(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}
	if err := c.throttleGuest(ctx, v); err != nil {
		return c.handleError(ctx, err)
	}

	filters, err := c.filtersFromQuery(ctx, v)
	if err != nil {
		return c.handleError(ctx, err)
	}
	count, err := c.ds.Count(ctx.Request().Context(), filters)
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]int64{"count": count})
}

// GetEvent handles GET /api/v1/events/{id}.
func (c *Controller) GetEvent(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if err := c.throttleGuest(ctx, v); err != nil {
		return c.handleError(ctx, err)
	}

	row, err := c.ds.GetByExternalID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}
	if !c.guestCanSee(v, row) {
		return c.handleError(ctx, guestAccessDenied())
	}
	return ctx.JSON(http.StatusOK, row)
}

// PatchRequest carries the owner-editable detection fields.
type PatchRequest struct {
	IsHidden    *bool   `json:"is_hidden"`
	DisplayName *string `json:"display_name"`
}

// PatchEvent handles PATCH /api/v1/events/{id}: hide/unhide and manual
// relabeling. The committed row is re-read and broadcast.
func (c *Controller) PatchEvent(ctx echo.Context) error {
	var req PatchRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, errors.Newf("malformed request body: %w", errors.ErrInvalidInput).
			Component("api").
			Category(errors.CategoryValidation).
			Build())
	}
	if req.DisplayName != nil && strings.TrimSpace(*req.DisplayName) == "" {
		return c.handleError(ctx, errors.Newf("display_name must not be empty: %w", errors.ErrInvalidInput).
			Component("api").
			Category(errors.CategoryValidation).
			Build())
	}

	id := ctx.Param("id")
	patch := &datastore.DetectionPatch{
		IsHidden:    req.IsHidden,
		DisplayName: req.DisplayName,
	}
	if err := c.ds.Patch(ctx.Request().Context(), id, patch); err != nil {
		return c.handleError(ctx, err)
	}

	row, err := c.ds.GetByExternalID(ctx.Request().Context(), id)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if c.hub != nil {
		c.hub.Publish(broadcaster.Event{
			Type: broadcaster.TypeDetectionUpdate,
			Data: row,
			Scope: &broadcaster.Scope{
				Camera:        row.Camera,
				Hidden:        row.IsHidden,
				DetectionTime: row.DetectionTime,
			},
		})
	}
	return ctx.JSON(http.StatusOK, row)
}

// ReclassifyRequest selects the reclassification strategy.
type ReclassifyRequest struct {
	Strategy string `json:"strategy"`
}

// ReclassifyEvent handles POST /api/v1/events/{id}/reclassify. The job runs
// asynchronously; progress arrives on the SSE stream.
func (c *Controller) ReclassifyEvent(ctx echo.Context) error {
	if c.reclassifier == nil {
		return c.handleError(ctx, errors.Newf("reclassification is not available: %w", errors.ErrNotReady).
			Component("api").
			Category(errors.CategoryNotReady).
			Build())
	}

	var req ReclassifyRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, errors.Newf("malformed request body: %w", errors.ErrInvalidInput).
			Component("api").
			Category(errors.CategoryValidation).
			Build())
	}
	if req.Strategy == "" {
		req.Strategy = reclassify.StrategyVideo
	}

	id := ctx.Param("id")
	if err := c.reclassifier.Start(ctx.Request().Context(), id, req.Strategy); err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(http.StatusAccepted, map[string]string{
		"external_event_id": id,
		"strategy":          req.Strategy,
		"status":            "accepted",
	})
}

// ShareLinkResponse carries a token scoped to one detection.
type ShareLinkResponse struct {
	ExternalEventID string    `json:"external_event_id"`
	Token           string    `json:"token"`
	URL             string    `json:"url"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CreateShareLink handles POST /api/v1/events/{id}/share. The returned
// token grants unauthenticated read access to this detection and its media
// until it expires, bypassing the guest visibility rules.
func (c *Controller) CreateShareLink(ctx echo.Context) error {
	if !c.shareLimiter.Allow(c.clientIP(ctx)) {
		return c.handleError(ctx, errors.Newf("too many share links requested: %w", errors.ErrRateLimited).
			Component("api").
			Category(errors.CategoryRateLimited).
			Build())
	}
	if c.auth == nil || !c.auth.Enabled() {
		return c.handleError(ctx, errors.Newf("share links require authentication to be configured: %w", errors.ErrForbidden).
			Component("api").
			Category(errors.CategoryForbidden).
			Build())
	}

	id := ctx.Param("id")
	row, err := c.ds.GetByExternalID(ctx.Request().Context(), id)
	if err != nil {
		return c.handleError(ctx, err)
	}

	token, expiresAt, err := c.auth.CreateShareToken(row.ExternalEventID)
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, ShareLinkResponse{
		ExternalEventID: row.ExternalEventID,
		Token:           token,
		URL:             "/api/v1/events/" + row.ExternalEventID + "?token=" + token,
		ExpiresAt:       expiresAt,
	})
}

func guestAccessDenied() error {
	return errors.Newf("authentication required: %w", errors.ErrUnauthorized).
		Component("api").
		Category(errors.CategoryUnauthorized).
		Build()
}

// timeNow is a test hook for the guest history cutoff.
var timeNow = time.Now

func guestHistoryCutoff(days int) string {
	return datastore.FormatTime(timeNow().AddDate(0, 0, -days))
}
