// errors.go: maps pipeline errors onto HTTP statuses and the concise
// {"detail": ...} error body the UI consumes.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/errors"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnsatisfiableRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, errors.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (c *Controller) handleError(ctx echo.Context, err error) error {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed",
			"method", ctx.Request().Method,
			"path", ctx.Request().URL.Path,
			"status", status,
			"error", err)
	}

	detail := err.Error()
	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		detail = enhanced.Error()
	}
	return ctx.JSON(status, ErrorResponse{Detail: detail})
}
