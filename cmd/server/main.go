// Package main is the entrypoint for the fieldops API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/fieldops/internal/api"
	"github.com/kiranshivaraju/fieldops/internal/api/handler"
	mw "github.com/kiranshivaraju/fieldops/internal/api/middleware"
	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/internal/cache"
	"github.com/kiranshivaraju/fieldops/internal/config"
	"github.com/kiranshivaraju/fieldops/internal/events"
	"github.com/kiranshivaraju/fieldops/internal/feed"
	"github.com/kiranshivaraju/fieldops/internal/metrics"
	"github.com/kiranshivaraju/fieldops/internal/session"
	"github.com/kiranshivaraju/fieldops/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "store", cfg.Server.Store, "timezone", cfg.Sync.Timezone.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the authoritative store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Sync machinery: metrics, events, change feed, controllers
	collector := metrics.NewCollector(nil)
	feedRouter := feed.NewRouter(st, feed.Options{
		BackoffInitial: cfg.Sync.BackoffInitial,
		BackoffMax:     cfg.Sync.BackoffMax,
		Metrics:        collector,
		Logger:         slog.Default(),
	})
	defer feedRouter.Close()

	sessions := session.NewManager(ctx, session.Deps{
		Store:     st,
		Router:    feedRouter,
		Publisher: events.NewRedisPublisher(redisCache),
		Metrics:   collector,
		Logger:    slog.Default(),
	}, cfg.Sync)

	// 5. Build router with dependencies
	jobsH := handler.NewJobsHandler(sessions)
	attH := handler.NewAttendanceHandler(sessions)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit),

		HealthHandler:   healthHandler(st, redisCache),
		MetricsHandler:  collector.Handler(),
		StatusesHandler: handler.NewStatusesHandler(),

		ListJobs:       jobsH.List,
		CreateJob:      jobsH.Create,
		JobSummary:     jobsH.Summary,
		GetJob:         jobsH.Get,
		DeleteJob:      jobsH.Delete,
		JobTransitions: jobsH.Transitions,
		TransitionJob:  jobsH.Transition,

		ClockIn:           attH.ClockIn,
		StartBreak:        attH.StartBreak,
		EndBreak:          attH.EndBreak,
		ClockOut:          attH.ClockOut,
		CurrentEntry:      attH.Current,
		TodayEntries:      attH.Today,
		AttendanceSummary: attH.Summary,
	})

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured store. PostgreSQL is migrated before use;
// the memory store is for local development and loses everything on exit.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Server.Store == config.StoreMemory {
		slog.Warn("using in-memory store, data will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
