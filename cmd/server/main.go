package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/api"
	"github.com/convoq/convoq/internal/breaker"
	"github.com/convoq/convoq/internal/completion"
	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/handlers"
	"github.com/convoq/convoq/internal/lock"
	"github.com/convoq/convoq/internal/models"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/retry"
	"github.com/convoq/convoq/internal/router"
	"github.com/convoq/convoq/internal/store"
	"github.com/convoq/convoq/internal/waiter"
	"github.com/convoq/convoq/internal/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())

	// Initialize Redis coordination store
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Msg("connected to Redis")

	// Initialize result store
	var results store.ResultStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		results = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		results = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite result store")
	}
	defer results.Close()

	// Completion service
	var svc completion.Service
	switch {
	case cfg.AnthropicAPIKey != "":
		svc = completion.NewAnthropicService(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		logger.Info().Str("model", cfg.AnthropicModel).Msg("using Anthropic completion service")
	case cfg.CompletionURL != "":
		svc = completion.NewHTTPService(cfg.CompletionURL)
		logger.Info().Str("url", cfg.CompletionURL).Msg("using HTTP completion service")
	default:
		logger.Fatal().Msg("no completion service configured (ANTHROPIC_API_KEY or COMPLETION_URL)")
	}

	// Core pipeline components
	coord := lock.NewCoordinator(redisStore, logger)
	brk := breaker.New(redisStore, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerRecovery, logger)
	brk.Classify(completion.IsRetryable)
	emitter := events.NewEmitter(redisStore, logger)
	lanes := queue.NewLanes(redisStore, cfg)
	rt := router.New(redisStore, coord, cfg, logger)
	retries := retry.NewHandler(lanes, results, emitter, cfg, logger)
	bufferWaiter := waiter.New(coord, rt, lanes, cfg, logger)

	// Lane worker pools
	pools := []*worker.Pool{
		worker.NewPool(models.LaneUrgent, lanes, coord, brk, svc, results, retries, bufferWaiter, emitter, cfg, logger),
		worker.NewPool(models.LaneNormal, lanes, coord, brk, svc, results, retries, bufferWaiter, emitter, cfg, logger),
		worker.NewPool(models.LaneBuffer, lanes, coord, brk, svc, results, retries, bufferWaiter, emitter, cfg, logger),
	}
	pools[0].Start(ctx, cfg.UrgentWorkers)
	pools[1].Start(ctx, cfg.NormalWorkers)
	pools[2].Start(ctx, cfg.BufferWorkers)
	logger.Info().
		Int("urgent", cfg.UrgentWorkers).
		Int("normal", cfg.NormalWorkers).
		Int("buffer", cfg.BufferWorkers).
		Msg("worker pools started")

	// Dead-letter sweep scheduler
	if err := retries.Start(); err != nil {
		logger.Fatal().Err(err).Msg("dead-letter scheduler failed to start")
	}
	defer retries.Stop()

	// Queue depth gauges
	lanes.StartDepthRefresher(ctx, 10*time.Second)

	// HTTP ingest boundary
	h := handlers.NewHandler(redisStore, results, rt, lanes, retries, brk, emitter, cfg, logger)
	mux := api.NewRouter(logger, h)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting convoq server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	// Stop accepting new work, then drain the pools.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	stop()
	for _, p := range pools {
		p.Wait()
	}

	logger.Info().Msg("server stopped")
}
