// Package runtime composes the service: engine, catalog, pipeline, cache,
// history, events, monitor and the HTTP surface, with lifecycle management.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgespeak/edgespeak/internal/bus"
	"github.com/edgespeak/edgespeak/internal/cache"
	"github.com/edgespeak/edgespeak/internal/config"
	"github.com/edgespeak/edgespeak/internal/engine"
	"github.com/edgespeak/edgespeak/internal/history"
	"github.com/edgespeak/edgespeak/internal/monitor"
	"github.com/edgespeak/edgespeak/internal/server"
	"github.com/edgespeak/edgespeak/internal/synthesis"
	"github.com/edgespeak/edgespeak/internal/voice"
)

// speechEngine is what both engine implementations provide: chunk synthesis
// plus voice listing.
type speechEngine interface {
	synthesis.Engine
	voice.Lister
}

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings the service up and blocks until ctx is canceled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var eng speechEngine
	switch r.cfg.Engine.Mode {
	case "mock":
		eng = engine.NewMock()
	default:
		eng = engine.NewEdge(r.cfg.Engine, r.logger)
	}

	catalog := voice.NewCatalog(eng,
		time.Duration(r.cfg.Catalog.RefreshIntervalMS)*time.Millisecond,
		localePrefix(r.cfg.Synthesis.DefaultVoice),
		r.logger)
	catalog.Start(ctx)
	defer catalog.Close()

	client := synthesis.NewClient(eng, synthesis.RetryPolicy{
		MaxRetries: r.cfg.Synthesis.MaxRetries,
		BaseDelay:  time.Duration(r.cfg.Synthesis.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(r.cfg.Synthesis.RetryMaxDelayMS) * time.Millisecond,
	}, int64(r.cfg.Synthesis.GlobalConcurrency), r.logger)
	pipeline := synthesis.NewPipeline(client, r.cfg.Synthesis.MaxChunkChars, r.cfg.Synthesis.RequestConcurrency, r.logger)

	var requestCache *cache.Cache
	if r.cfg.Cache.Enabled {
		requestCache, err = cache.New(r.cfg.Cache.MaxBytes, r.logger)
		if err != nil {
			return fmt.Errorf("failed to setup cache: %w", err)
		}
	}

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	var events *bus.Client
	if r.cfg.Events.Enabled {
		events, err = bus.Connect(r.cfg.Events, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		defer events.Close()
	}

	mon := monitor.New(r.cfg.Monitor, client, store, events, r.logger)
	mon.Start(ctx)
	defer mon.Close()

	srv := server.New(r.cfg, r.version, pipeline, catalog, requestCache, store, events, mon, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.logger.Info("service started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("version", r.version))

	<-ctx.Done()
	r.logger.Info("service stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// localePrefix derives the preferred catalog locale from the default voice,
// "hu-HU-NoemiNeural" -> "hu".
func localePrefix(voiceID string) string {
	for i := 0; i < len(voiceID); i++ {
		if voiceID[i] == '-' {
			return voiceID[:i]
		}
	}
	return ""
}
