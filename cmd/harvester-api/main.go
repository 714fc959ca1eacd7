package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/listing-harvester/internal/api"
	"github.com/maltedev/listing-harvester/internal/app"
	"github.com/maltedev/listing-harvester/internal/config"
	"github.com/maltedev/listing-harvester/internal/queue"
	"github.com/maltedev/listing-harvester/internal/session"
	"github.com/maltedev/listing-harvester/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build harvester", "error", err)
		os.Exit(1)
	}
	defer h.Close()

	if err := h.Connect(ctx, cfg); err != nil {
		logger.Error("failed to connect stores", "error", err)
		os.Exit(1)
	}

	relay := h.Relay(cfg)
	if relay != nil {
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	}

	store := session.NewStore(cfg.Session.TTL, logger)
	go store.Janitor(ctx, cfg.Session.SweepInterval)

	runs := queue.NewInMemoryQueue(cfg.Server.QueueSize)
	worker := api.NewWorker(runs, store, h.Pipeline, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped with error", "error", err)
		}
	}()

	handlers := api.NewHandlers(store, runs, app.Quota(cfg.Crawler), logger)
	if relay != nil {
		handlers.WithOutbox(relay)
	}

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(handlers, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		runs.Close()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr, "engine", cfg.Browser.Engine)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-workerDone
	logger.Info("server stopped")
}
