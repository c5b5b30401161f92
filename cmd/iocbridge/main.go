// Command iocbridge is the process entrypoint: it loads configuration,
// wires the preprocessor's upstream sources to the cache, starts the
// background rebuild loop, and serves the protocol + health surfaces over
// one HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iocbridge/internal/cache"
	"iocbridge/internal/config"
	"iocbridge/internal/correlator"
	"iocbridge/internal/geoenrich"
	"iocbridge/internal/localreader"
	"iocbridge/internal/middleware"
	"iocbridge/internal/preprocessor"
	"iocbridge/internal/reputation"
	"iocbridge/internal/statuspage"
	"iocbridge/internal/taxii"
	"iocbridge/pkg/logger"
	"iocbridge/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger()
	log.SetLevel(parseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildCache(ctx, cfg.Cache, log)
	if err != nil {
		log.Error("cache: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	local, err := localreader.New(localreader.Config{
		DataSource: cfg.LocalThreat.DataSource,
		Table:      cfg.LocalThreat.Table,
	}, log)
	if err != nil {
		log.Error("localreader: %v", err)
		os.Exit(1)
	}
	defer local.Close()

	tracker := metrics.NewTracker()

	repClient := reputation.New(reputation.Config{
		BaseURL:    cfg.Reputation.BaseURL,
		APIKey:     cfg.Reputation.APIKey,
		DailyLimit: cfg.Reputation.DailyLimit,
		Timeout:    cfg.Reputation.Timeout,
		ResultTTL:  cfg.Reputation.ResultTTL,
		Tracker:    tracker,
	}, store, log)

	geo := geoenrich.New(geoenrich.DefaultProviders(), store, geoenrich.Config{
		CacheTTL:   cfg.Geo.CacheTTL,
		Timeout:    cfg.Geo.Timeout,
		RequestGap: cfg.Geo.RequestDelay,
		Tracker:    tracker,
	}, log)

	weights, err := correlator.NewWeights(
		cfg.Correlator.LocalConfidenceWeight,
		cfg.Correlator.ExternalConfidenceWeight,
	)
	if err != nil {
		log.Error("correlator: %v", err)
		os.Exit(1)
	}

	health := statuspage.New(store, repClient, tracker, cfg.Preprocessor.PreprocessInterval, log)

	pre := preprocessor.New(local, repClient, geo, store, preprocessor.Config{
		BatchSize:             cfg.Preprocessor.BatchSize,
		PreprocessTTL:         cfg.Preprocessor.PreprocessingTTL,
		PreprocessInterval:    cfg.Preprocessor.PreprocessInterval,
		AutoStart:             cfg.Preprocessor.AutoStart,
		MinExternalConfidence: cfg.Preprocessor.MinExternalConfidence,
		Tracker:               tracker,
		OnRebuild: func(s preprocessor.RebuildStats) {
			health.ObserveRebuild(s.Duration())
		},
		CorrelatorParams: correlator.Params{
			Weights:                weights,
			LocalConfidenceBoost:   cfg.Correlator.LocalConfidenceBoost,
			MinimumFinalConfidence: cfg.Correlator.MinimumFinalConfidence,
			LocalBoostThreshold:    cfg.Correlator.LocalBoostThreshold,
		},
	}, log)

	protocol := taxii.New(store, taxii.Config{
		Addr: cfg.Server.ListenAddr,
	}, log)

	mux := http.NewServeMux()
	health.Routes(mux)
	mux.Handle("/", protocol.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      middleware.MetricsMiddleware(health.ObserveRequest)(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("iocbridge: shutting down...")
		cancel()
	}()

	if cfg.Preprocessor.AutoStart {
		log.Info("iocbridge: running initial rebuild cycle")
		if _, err := pre.Trigger(ctx); err != nil {
			log.Warn("iocbridge: initial rebuild failed: %v", err)
		}
	}
	go pre.Run(ctx)

	log.Info("iocbridge: listening on %s", cfg.Server.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("iocbridge: server failed: %v", err)
		os.Exit(1)
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("iocbridge: graceful shutdown failed: %v", err)
		}
	}
}

func buildCache(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) (cache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		return cache.NewRedis(ctx, cache.RedisConfig{Addr: cfg.Endpoint}, log)
	case "", "memory":
		return cache.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func parseLevel(s string) logger.LogLevel {
	switch s {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	case "fatal":
		return logger.FATAL
	default:
		return logger.INFO
	}
}
