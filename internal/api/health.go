// health.go: startup readiness and degraded-state reporting.
package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

// HealthState tracks startup progress and non-fatal startup warnings, so
// /ready can gate traffic and /health can report degradation.
type HealthState struct {
	mu       sync.RWMutex
	started  bool
	warnings []string
}

// NewHealthState creates a not-yet-ready state.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// MarkStarted flips /ready to 200.
func (h *HealthState) MarkStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

// AddWarning records a non-fatal startup problem, e.g. a model metadata
// fallback or an unreachable enrichment provider.
func (h *HealthState) AddWarning(warning string) {
	h.mu.Lock()
	h.warnings = append(h.warnings, warning)
	h.mu.Unlock()
}

// Started reports whether startup completed.
func (h *HealthState) Started() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Warnings returns a copy of the recorded warnings.
func (h *HealthState) Warnings() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.warnings))
	copy(out, h.warnings)
	return out
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string   `json:"status"` // ok, degraded
	Version  string   `json:"version,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// GetHealth reports liveness; degraded when startup warnings occurred.
func (c *Controller) GetHealth(ctx echo.Context) error {
	warnings := c.health.Warnings()
	status := "ok"
	if len(warnings) > 0 {
		status = "degraded"
	}
	return ctx.JSON(http.StatusOK, HealthResponse{
		Status:   status,
		Version:  c.settings().Version,
		Warnings: warnings,
	})
}

// GetReady answers 503 until the startup phases complete.
func (c *Controller) GetReady(ctx echo.Context) error {
	if !c.health.Started() {
		return ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Detail: "startup not ready"})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
