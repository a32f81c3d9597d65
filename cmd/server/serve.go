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

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/podushkina/taskorchestrator/internal/api"
	"github.com/podushkina/taskorchestrator/internal/broadcast"
	"github.com/podushkina/taskorchestrator/internal/config"
	"github.com/podushkina/taskorchestrator/internal/logging"
	"github.com/podushkina/taskorchestrator/internal/orchestrator"
	"github.com/podushkina/taskorchestrator/internal/queue"
	"github.com/podushkina/taskorchestrator/internal/retention"
	"github.com/podushkina/taskorchestrator/internal/retry"
	"github.com/podushkina/taskorchestrator/internal/session"
	"github.com/podushkina/taskorchestrator/internal/store"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	s, err := store.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, store.Options{CacheSize: cfg.TaskCacheSize})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer s.Close()
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	reg := prometheus.DefaultRegisterer
	bcast := broadcast.New(broadcast.Options{Logger: logger, Metrics: broadcast.NewMetrics(reg)})

	orch := orchestrator.New(orchestrator.Deps{
		Store:       s,
		Adapter:     newAdapter(cfg, logger),
		Broadcaster: bcast,
		Queue:       queue.New(cfg.MaxConcurrentTasks),
		Logger:      logger,
		Metrics:     orchestrator.MustNewMetrics(reg),
	}, orchestrator.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		TaskTimeout:   cfg.TaskTimeout,
		CancelGrace:   cfg.CancelGrace,
		Retry: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	logger.Info("tasks recovered", "count", recovered)

	sweeper, err := retention.New(orch, retention.Config{
		MaxAge:   cfg.TaskRetention,
		Schedule: cfg.RetentionSchedule,
	}, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(orch, session.NewController(orch, logger), logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Logger: logger,
		RateLimit: api.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateLimitBurst,
		},
		Gatherer: prometheus.DefaultGatherer,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func newAdapter(cfg *config.Config, logger *slog.Logger) worker.Adapter {
	if cfg.WorkerCommand != "" {
		logger.Info("using external worker", "command", cfg.WorkerCommand)
		return worker.NewProcessAdapter(worker.ProcessConfig{
			Command:   cfg.WorkerCommand,
			Args:      cfg.WorkerArgs,
			KillGrace: cfg.CancelGrace,
		}, logger)
	}

	local := worker.NewLocalAdapter(logger)
	worker.RegisterBuiltins(local)
	logger.Info("using in-process simulated worker")
	return local
}
