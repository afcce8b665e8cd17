// Package realtime assembles the full pipeline: MQTT ingestion, the
// detection processor, media cache, reclassifier, broadcaster and the HTTP
// API, plus the maintenance loop that applies retention.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphakala/birdframe/internal/api"
	"github.com/tphakala/birdframe/internal/audiocorr"
	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/classifier"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/events"
	"github.com/tphakala/birdframe/internal/frigate"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/mediacache"
	"github.com/tphakala/birdframe/internal/mqtt"
	"github.com/tphakala/birdframe/internal/observability"
	"github.com/tphakala/birdframe/internal/processor"
	"github.com/tphakala/birdframe/internal/reclassify"
	"github.com/tphakala/birdframe/internal/security"
	"github.com/tphakala/birdframe/internal/taxonomy"
	"github.com/tphakala/birdframe/internal/weather"
)

const (
	maintenanceInterval = time.Hour
	shutdownTimeout     = 10 * time.Second
	mqttConnectRetry    = 15 * time.Second
)

// Run starts the pipeline and blocks until SIGINT/SIGTERM.
func Run(settings *conf.Settings) error {
	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logging.Init(level)
	logger := logging.ForService("realtime")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	health := api.NewHealthState()

	store := datastore.New(settings)
	if store == nil {
		return errors.Newf("no database output enabled: %w", errors.ErrInvalidInput).
			Component("realtime").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing datastore", "error", err)
		}
	}()

	correlator := audiocorr.New(settings.Realtime.Audio.BufferHours, store)
	if err := correlator.Rehydrate(ctx); err != nil {
		logger.Warn("audio history rehydration failed", "error", err)
		health.AddWarning("audio history rehydration failed")
	}

	runtime := classifier.NewTFLiteRuntime(&settings.Realtime.Classifier, metrics.Classifier)
	if err := runtime.LoadModel(settings.Realtime.Classifier.ModelPath, settings.Realtime.Classifier.LabelsPath); err != nil {
		return err
	}

	cache, err := mediacache.New(&settings.Realtime.MediaCache, settings.Realtime.Frigate.ClipsEnabled, metrics.MediaCache)
	if err != nil {
		return err
	}

	nvr := frigate.New(&settings.Realtime.Frigate, nil)
	weatherSvc := weather.NewService(&settings.Realtime.Weather)
	taxonomySvc := taxonomy.NewService(&settings.Realtime.Taxonomy, store, nil)
	hub := broadcaster.New(metrics.Broadcaster)

	proc := processor.New(&processor.Config{
		Settings:   conf.Snapshot,
		Store:      store,
		Fetcher:    nvr,
		Runtime:    runtime,
		Correlator: correlator,
		Weather:    weatherSvc,
		Taxonomy:   taxonomySvc,
		Cache:      cache,
		Hub:        hub,
		Metrics:    metrics.Pipeline,
	})

	reclassifier := reclassify.New(&reclassify.Config{
		Settings: conf.Snapshot,
		Store:    store,
		Source:   nvr,
		Runtime:  runtime,
		Cache:    cache,
		Hub:      hub,
	})

	router := events.NewRouter(conf.Snapshot, proc.OnNVREvent, proc.OnAudioEvent,
		metrics.MQTT, metrics.Pipeline)

	bus, err := mqtt.NewClient(settings, metrics.MQTT)
	if err != nil {
		return err
	}
	// Subscriptions are registered before the connection exists; the client
	// replays them on every (re)connect.
	if err := router.Start(ctx, bus); err != nil {
		return err
	}
	go connectBus(ctx, bus, health, logger)
	defer bus.Disconnect()

	controller := api.New(&api.Config{
		Settings:     conf.Snapshot,
		Store:        store,
		Auth:         security.NewService(conf.Snapshot),
		Hub:          hub,
		Reclassifier: reclassifier,
		Frigate:      nvr,
		Cache:        cache,
		Metrics:      metrics,
		Health:       health,
	})

	go runMaintenance(ctx, store, cache, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := controller.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	health.MarkStarted()
	logger.Info("pipeline started",
		"version", settings.Version,
		"port", settings.WebServer.Port,
		"broker", settings.Realtime.MQTT.Broker)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	router.Wait()
	return nil
}

// connectBus keeps trying the initial broker connection; once established
// the client's own reconnect loop takes over.
func connectBus(ctx context.Context, bus mqtt.Client, health *api.HealthState, logger *slog.Logger) {
	warned := false
	for {
		err := bus.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("broker connection failed, retrying", "error", err, "retry_in", mqttConnectRetry)
		if !warned {
			health.AddWarning("event bus unreachable at startup")
			warned = true
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(mqttConnectRetry):
		}
	}
}

// runMaintenance applies retention to the detection history and sweeps the
// media cache every hour.
func runMaintenance(ctx context.Context, store datastore.Interface, cache *mediacache.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		settings := conf.Snapshot()
		if days := settings.Realtime.RetentionDays; days > 0 {
			cutoff := time.Now().AddDate(0, 0, -days)
			detections, audioEvents, err := store.PruneOlderThan(ctx, cutoff)
			if err != nil {
				logger.Error("retention pruning failed", "error", err)
			} else if detections > 0 || audioEvents > 0 {
				logger.Info("pruned expired history",
					"detections", detections,
					"audio_events", audioEvents,
					"cutoff", cutoff.Format(time.RFC3339))
			}
		}

		cache.Sweep(ctx, func(ctx context.Context, eventID string) bool {
			_, err := store.GetByExternalID(ctx, eventID)
			return err == nil
		})
	}
}
