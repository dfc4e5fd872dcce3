package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openboard/openboard/internal/config"
	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/router"
	"github.com/openboard/openboard/internal/setup"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Initialize("info", false)
		logger.Log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger.Initialize(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := setup.Build(ctx, cfg)
	if err != nil {
		logger.Log.Error("setup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Cleanup()

	deps.AutoSaver.Start()
	if err := deps.Retention.Start(); err != nil {
		logger.Log.Error("retention job failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(router.Deps{API: deps.API, WS: deps.WS, Health: deps.Health, AllowedOrigins: cfg.AllowedOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown failed", "error", err)
	}
	deps.Retention.Stop()
	// the final sweep runs here so in-flight board state is not lost
	deps.AutoSaver.Stop(shutdownCtx)
	logger.Log.Info("bye")
}
