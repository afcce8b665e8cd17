// Package api exposes the HTTP surface: the read API, the media proxy to
// the NVR, the SSE stream, settings and login, and the health endpoints.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/frigate"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/mediacache"
	"github.com/tphakala/birdframe/internal/observability"
	"github.com/tphakala/birdframe/internal/security"
)

// Reclassifier is the slice of the job manager the API needs.
type Reclassifier interface {
	Start(ctx context.Context, eventID, strategy string) error
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	settings func() *conf.Settings

	ds           datastore.Interface
	auth         *security.Service
	hub          *broadcaster.Broadcaster
	reclassifier Reclassifier
	frigate      *frigate.Client
	cache        *mediacache.Cache
	metrics      *observability.Metrics
	health       *HealthState

	loginLimiter *security.RateLimiter
	shareLimiter *security.RateLimiter
	guestLimiter *security.RateLimiter
	proxies      []*net.IPNet

	logger *slog.Logger
}

// Config wires the controller's collaborators. Frigate, cache, hub,
// reclassifier and metrics may be nil; the matching endpoints then answer
// 503 or 404.
type Config struct {
	Settings     func() *conf.Settings
	Store        datastore.Interface
	Auth         *security.Service
	Hub          *broadcaster.Broadcaster
	Reclassifier Reclassifier
	Frigate      *frigate.Client
	Cache        *mediacache.Cache
	Metrics      *observability.Metrics
	Health       *HealthState
}

// New creates the controller and registers all routes.
func New(cfg *Config) *Controller {
	settings := cfg.Settings
	if settings == nil {
		settings = conf.Snapshot
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthState()
	}

	c := &Controller{
		Echo:         echo.New(),
		settings:     settings,
		ds:           cfg.Store,
		auth:         cfg.Auth,
		hub:          cfg.Hub,
		reclassifier: cfg.Reclassifier,
		frigate:      cfg.Frigate,
		cache:        cfg.Cache,
		metrics:      cfg.Metrics,
		health:       health,
		loginLimiter: security.NewRateLimiter(rate.Every(6*time.Second), 5),
		shareLimiter: security.NewRateLimiter(rate.Every(10*time.Second), 10),
		guestLimiter: security.NewRateLimiter(rate.Limit(10), 50),
		proxies:      security.ParseTrustedProxies(settings().Security.TrustedProxies),
		logger:       logging.ForService("api"),
	}
	c.Echo.HideBanner = true
	c.Echo.HidePort = true
	c.Echo.Use(middleware.Recover())
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	e := c.Echo

	e.GET("/health", c.GetHealth)
	e.GET("/ready", c.GetReady)
	if c.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}

	e.GET("/sse", c.StreamSSE)

	v1 := e.Group("/api/v1")
	v1.POST("/login", c.Login)

	v1.GET("/events", c.ListEvents)
	v1.GET("/events/count", c.CountEvents)
	v1.GET("/events/:id", c.GetEvent)
	v1.PATCH("/events/:id", c.PatchEvent, c.requireOwner)
	v1.POST("/events/:id/reclassify", c.ReclassifyEvent, c.requireOwner)
	v1.POST("/events/:id/share", c.CreateShareLink, c.requireOwner)

	v1.GET("/analytics/species", c.SpeciesSummaries)
	v1.GET("/analytics/daily", c.DailySummary)
	v1.GET("/analytics/heatmap", c.ActivityHeatmap)

	v1.GET("/settings", c.GetSettings, c.requireOwner)
	v1.PUT("/settings", c.PutSettings, c.requireOwner)

	media := e.Group("/frigate/:id")
	media.GET("/snapshot.jpg", c.GetSnapshot)
	media.GET("/thumbnail.jpg", c.GetThumbnail)
	media.GET("/clip.mp4", c.GetClip)
	media.HEAD("/clip.mp4", c.HeadClip)
	media.GET("/clip-thumbnails.vtt", c.GetClipVTT)
	media.GET("/clip-thumbnails.jpg", c.GetClipSprite)
}

// Start runs the HTTP server until the listener fails.
func (c *Controller) Start() error {
	port := c.settings().WebServer.Port
	if port == "" {
		port = "8080"
	}
	return c.Echo.Start(":" + port)
}

// Shutdown drains the server.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Echo.Shutdown(ctx)
}

// viewer describes the caller's privileges for one request. A non-empty
// shareEventID grants read access to that single detection regardless of
// the guest rules.
type viewer struct {
	owner        bool
	guest        conf.GuestSettings
	shareEventID string
}

func (c *Controller) viewerFor(r *http.Request) viewer {
	v := viewer{guest: c.settings().WebServer.Guest}
	if c.auth == nil || c.auth.Authenticate(r) {
		v.owner = true
		return v
	}
	if token := security.TokenFromRequest(r); token != "" {
		if eventID, err := c.auth.VerifyShareToken(token); err == nil {
			v.shareEventID = eventID
		}
	}
	return v
}

// throttleGuest rate limits unauthenticated read traffic per client IP.
func (c *Controller) throttleGuest(ctx echo.Context, v viewer) error {
	if v.owner {
		return nil
	}
	if !c.guestLimiter.Allow(c.clientIP(ctx)) {
		return errors.Newf("too many requests: %w", errors.ErrRateLimited).
			Component("api").
			Category(errors.CategoryRateLimited).
			Build()
	}
	return nil
}

// requireOwner rejects unauthenticated callers on mutating routes.
func (c *Controller) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if !c.viewerFor(ctx.Request()).owner {
			return c.handleError(ctx, errors.Newf("authentication required: %w", errors.ErrUnauthorized).
				Component("api").
				Category(errors.CategoryUnauthorized).
				Build())
		}
		return next(ctx)
	}
}

func (c *Controller) clientIP(ctx echo.Context) string {
	return security.ClientIP(ctx.Request(), c.proxies)
}

// guestCanSee applies the guest visibility rules: non-hidden, allowed
// camera, inside the public history window. Owners bypass this.
func (c *Controller) guestCanSee(v viewer, d *datastore.Detection) bool {
	if v.owner {
		return true
	}
	if v.shareEventID != "" && v.shareEventID == d.ExternalEventID {
		return true
	}
	if !v.guest.Enabled || d.IsHidden {
		return false
	}
	if len(v.guest.AllowedCameras) > 0 {
		allowed := false
		for _, cam := range v.guest.AllowedCameras {
			if cam == d.Camera {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if v.guest.HistoryDays > 0 {
		t, err := datastore.ParseTime(d.DetectionTime)
		if err != nil {
			return false
		}
		if time.Since(t) > time.Duration(v.guest.HistoryDays)*24*time.Hour {
			return false
		}
	}
	return true
}
