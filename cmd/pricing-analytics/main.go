package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pricing-analytics/internal/cache"
	"pricing-analytics/internal/config"
	"pricing-analytics/internal/cubeapi"
	"pricing-analytics/internal/db"
	httphandler "pricing-analytics/internal/http"
	"pricing-analytics/internal/logger"
	"pricing-analytics/internal/model"
	"pricing-analytics/internal/preagg"
	"pricing-analytics/internal/query"
	"pricing-analytics/internal/repository"
	"pricing-analytics/internal/resultstore"
	"pricing-analytics/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog := preagg.DefaultCatalog()
	if cfg.Analytics.CatalogPath != "" {
		catalog, err = preagg.LoadCatalog(cfg.Analytics.CatalogPath)
		if err != nil {
			appLogger.Fatal().Err(err).Str("path", cfg.Analytics.CatalogPath).Msg("failed to load pre-aggregation catalog")
		}
	}
	appLogger.Info().Str("version", catalog.Version).Int("definitions", len(catalog.Definitions)).
		Int("overlaps", len(catalog.Overlaps())).Msg("pre-aggregation catalog loaded")

	clientOpts := []cubeapi.Option{
		cubeapi.WithPollInterval(cfg.Cube.PollInterval),
		cubeapi.WithRequestTimeout(cfg.Cube.RequestTimeout),
	}
	if cfg.Redis.Enabled() {
		store, err := resultstore.NewRedisStore(ctx, resultstore.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer store.Close()
		clientOpts = append(clientOpts, cubeapi.WithStore(store))
	}
	cubeClient := cubeapi.New(cfg.Cube.URL, cfg.Cube.Secret, appLogger, clientOpts...)

	var advisories service.AdvisoryStore
	if cfg.DB.Enabled() {
		database, err := db.New(cfg, appLogger)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to connect database")
		}
		advisories = repository.NewAdvisoryRepository(database)
	} else {
		appLogger.Warn().Msg("DB_DSN not set; advisory reports will not be persisted")
	}

	schema := query.DefaultSchema()
	schema.DefaultPreset = model.DatePreset(cfg.Analytics.DefaultPreset)
	if prefix := cfg.Analytics.CubePrefix; prefix != "" {
		schema.Prefix = strings.TrimSuffix(prefix, ".") + "."
	}

	views := cache.New(cubeClient, appLogger, cache.WithSlowThreshold(cfg.Analytics.SlowThreshold))
	defer views.Close()

	planner := service.NewPlannerService(
		query.NewBuilder(schema),
		preagg.NewAdvisor(catalog, appLogger),
		views,
		advisories,
		appLogger,
	)

	go runMaintenance(ctx, planner, cfg.Analytics.IdleTTL)

	handler := httphandler.NewHandler(planner, appLogger)
	router := httphandler.NewRouter(handler, appLogger, cfg.Environment, cfg.HTTP.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	appLogger.Info().Str("addr", addr).Msg("starting pricing analytics service")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLogger.Error().Err(err).Msg("failed to start server")
		os.Exit(1)
	}
	appLogger.Info().Msg("server stopped")
}

func runMaintenance(ctx context.Context, planner *service.PlannerService, idle time.Duration) {
	interval := idle / 3
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			planner.Maintain(ctx, idle)
		}
	}
}
