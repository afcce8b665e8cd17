// analytics.go: aggregate queries over the detection history.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/datastore"
)

// SpeciesSummaries handles GET /api/v1/analytics/species.
func (c *Controller) SpeciesSummaries(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}

	filters, err := c.filtersFromQuery(ctx, v)
	if err != nil {
		return c.handleError(ctx, err)
	}
	summaries, err := c.ds.SpeciesSummaries(ctx.Request().Context(), filters)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if summaries == nil {
		summaries = []datastore.SpeciesSummary{}
	}
	return ctx.JSON(http.StatusOK, summaries)
}

// DailySummary handles GET /api/v1/analytics/daily.
func (c *Controller) DailySummary(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}

	start, end := c.analyticsRange(ctx, v)
	rows, err := c.ds.DailySummary(ctx.Request().Context(), start, end)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if rows == nil {
		rows = []datastore.DailySummaryRow{}
	}
	return ctx.JSON(http.StatusOK, rows)
}

// ActivityHeatmap handles GET /api/v1/analytics/heatmap.
func (c *Controller) ActivityHeatmap(ctx echo.Context) error {
	v := c.viewerFor(ctx.Request())
	if !v.owner && !v.guest.Enabled {
		return c.handleError(ctx, guestAccessDenied())
	}

	start, end := c.analyticsRange(ctx, v)
	cells, err := c.ds.ActivityHeatmap(ctx.Request().Context(), start, end)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if cells == nil {
		cells = []datastore.HeatmapCell{}
	}
	return ctx.JSON(http.StatusOK, cells)
}

// analyticsRange reads start_date/end_date, clamping guests to their public
// history window.
func (c *Controller) analyticsRange(ctx echo.Context, v viewer) (start, end string) {
	start = ctx.QueryParam("start_date")
	end = ctx.QueryParam("end_date")
	if !v.owner && v.guest.HistoryDays > 0 {
		cutoff := guestHistoryCutoff(v.guest.HistoryDays)
		if start == "" || start < cutoff {
			start = cutoff
		}
	}
	return start, end
}
