// settings.go: login and the settings read/update surface. Reads are
// redacted; writes merge against the previous snapshot so a redacted
// placeholder can never clobber a stored secret.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
)

// LoginRequest carries the UI password.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse carries the issued session token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/v1/login, rate limited per client IP.
func (c *Controller) Login(ctx echo.Context) error {
	if !c.loginLimiter.Allow(c.clientIP(ctx)) {
		return c.handleError(ctx, errors.Newf("too many login attempts: %w", errors.ErrRateLimited).
			Component("api").
			Category(errors.CategoryRateLimited).
			Build())
	}

	var req LoginRequest
	if err := ctx.Bind(&req); err != nil || req.Password == "" {
		return c.handleError(ctx, errors.Newf("password is required: %w", errors.ErrInvalidInput).
			Component("api").
			Category(errors.CategoryValidation).
			Build())
	}

	if c.auth == nil {
		return c.handleError(ctx, errors.Newf("authentication is not configured: %w", errors.ErrForbidden).
			Component("api").
			Category(errors.CategoryForbidden).
			Build())
	}
	token, expiresAt, err := c.auth.Login(req.Password)
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

// GetSettings handles GET /api/v1/settings with secrets masked.
func (c *Controller) GetSettings(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.settings().Redacted())
}

// PutSettings handles PUT /api/v1/settings: merge preserving secrets on
// placeholder values, persist, publish the new snapshot and notify
// subscribers.
func (c *Controller) PutSettings(ctx echo.Context) error {
	var next conf.Settings
	if err := ctx.Bind(&next); err != nil {
		return c.handleError(ctx, errors.Newf("malformed settings body: %w", errors.ErrInvalidInput).
			Component("api").
			Category(errors.CategoryValidation).
			Build())
	}

	merged := conf.MergeForSave(c.settings(), &next)
	if err := conf.ValidateSettings(merged); err != nil {
		return c.handleError(ctx, err)
	}
	if err := conf.SaveSettings(merged); err != nil {
		return c.handleError(ctx, err)
	}

	if c.hub != nil {
		// No scope: settings changes are owner-only traffic.
		c.hub.Publish(broadcaster.Event{
			Type: broadcaster.TypeSettingsUpdated,
			Data: map[string]string{"status": "updated"},
		})
	}
	c.logger.Info("settings updated", "remote", c.clientIP(ctx))
	return ctx.JSON(http.StatusOK, merged.Redacted())
}
