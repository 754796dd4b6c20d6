package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papergraph/config"
	"papergraph/internal/bootstrap"
	"papergraph/pkg/logger"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "papergraph",
	})

	// Load .env if present (local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}
	if cfg.IsDevelopment() {
		logger.Init(logger.Config{Level: logger.LevelDebug, Service: "papergraph"})
	}

	switch *mode {
	case "api":
		runAPI(cfg)
	case "worker":
		runWorker(cfg)
	case "all":
		go runWorker(cfg)
		runAPI(cfg)
	default:
		logger.Fatal("unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config) {
	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		logger.Fatal("failed to initialize api: %v", err)
	}
	defer cleanup()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down api server (timeout: %v)", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("error shutting down: %v", err)
			} else {
				logger.Info("api server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("api shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("starting api server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("failed to start server: %v", err)
	}
}

func runWorker(cfg *config.Config) {
	w, cleanup, err := bootstrap.NewWorker(cfg)
	if err != nil {
		logger.Fatal("failed to initialize worker: %v", err)
	}
	defer cleanup()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down worker (timeout: %v)", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			w.Stop(ctx)
			close(done)
		}()

		select {
		case <-done:
			logger.Info("worker shut down gracefully")
		case <-ctx.Done():
			logger.Warn("worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("starting worker")
	if err := w.Start(); err != nil {
		logger.Fatal("worker failed: %v", err)
	}
}
