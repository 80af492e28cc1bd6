package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"modelfetch/internal/config"
	"modelfetch/internal/creds"
	"modelfetch/internal/metrics"
	"modelfetch/internal/progress"
	"modelfetch/internal/queue"
	"modelfetch/internal/repo"
	"modelfetch/internal/router"
	"modelfetch/internal/transfer"
	"modelfetch/internal/ws"
)

func main() {
	cfg := config.FromEnv()

	var logWriter io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logWriter = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))
	slog.SetDefault(logger)

	metrics.Register()

	var taskRepo repo.TaskRepo
	switch cfg.Repo {
	case "postgres":
		pg, err := repo.NewPostgresTaskRepoFromEnv()
		if err != nil {
			logger.Error("connect postgres", "err", err)
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()
		taskRepo = pg
	default:
		taskRepo = repo.NewInMemoryTaskRepo()
	}

	hub := ws.NewHub(logger)
	reporter := progress.NewReporter(logger, hub, cfg.ProgressInterval, 0)

	executor := transfer.NewExecutor(creds.FromEnv(), transfer.Options{
		MaxRetries: cfg.MaxRetries,
		ChunkBytes: cfg.ChunkBytes,
		Timeout:    cfg.HTTPTimeout,
	}, logger)

	coordinator := queue.New(logger, taskRepo, executor, reporter, queue.Options{
		MaxActive: cfg.MaxActive,
		Retention: cfg.Retention,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router.New(logger, coordinator, taskRepo, hub),
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting modelfetch API", "addr", server.Addr, "repo", cfg.Repo)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
	logger.Info("bye")
}
