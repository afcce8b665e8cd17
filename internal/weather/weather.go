// Package weather enriches detections with the weather conditions at
// observation time. Enrichment is best effort: a failed or disabled lookup
// never blocks a detection from being persisted.
package weather

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/logging"
)

// cacheTTL bounds how stale a cached observation may be. Current-conditions
// APIs update on the order of ten minutes, so refetching more often only
// burns quota.
const cacheTTL = 10 * time.Minute

// Observation holds the conditions applied to a detection. Fields mirror the
// nullable weather columns on the detection record.
type Observation struct {
	Temperature   float64
	Condition     string
	WindSpeed     float64
	CloudCover    int
	Precipitation float64
	ObservedAt    time.Time
}

// Provider fetches current conditions from a weather API.
type Provider interface {
	Fetch(ctx context.Context) (*Observation, error)
}

// Service wraps a provider with a short-lived lookaside cache so a burst of
// detections shares one upstream call.
type Service struct {
	provider Provider
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewService builds the weather service for the configured provider, or
// returns nil when weather enrichment is disabled or unconfigured.
func NewService(settings *conf.WeatherSettings) *Service {
	if settings == nil || !settings.Enabled {
		return nil
	}

	logger := logging.ForService("weather")
	var provider Provider
	switch settings.Provider {
	case "openweather", "":
		if settings.APIKey == "" {
			logger.Warn("weather enrichment enabled but no API key configured")
			return nil
		}
		provider = NewOpenWeather(settings, nil)
	default:
		logger.Warn("unknown weather provider", "provider", settings.Provider)
		return nil
	}

	return &Service{
		provider: provider,
		cache:    cache.New(cacheTTL, 2*cacheTTL),
		logger:   logger,
	}
}

// newServiceWith wires an explicit provider, used by tests.
func newServiceWith(provider Provider) *Service {
	return &Service{
		provider: provider,
		cache:    cache.New(cacheTTL, 2*cacheTTL),
		logger:   logging.ForService("weather"),
	}
}

// Current returns the current conditions, serving from cache when fresh.
// Returns nil on any upstream failure; callers persist the detection without
// weather fields.
func (s *Service) Current(ctx context.Context) *Observation {
	if s == nil {
		return nil
	}
	if cached, found := s.cache.Get("current"); found {
		obs := cached.(Observation)
		return &obs
	}

	obs, err := s.provider.Fetch(ctx)
	if err != nil {
		s.logger.Warn("weather fetch failed", "error", err)
		return nil
	}

	s.cache.Set("current", *obs, cache.DefaultExpiration)
	return obs
}
