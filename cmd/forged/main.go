// Forge coordinator daemon — serves the sync HTTP API, sweeps expired
// locks, and enforces retention.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forge-run/forge/pkg/api"
	"github.com/forge-run/forge/pkg/cleanup"
	"github.com/forge-run/forge/pkg/config"
	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/locks"
	"github.com/forge-run/forge/pkg/services"
	"github.com/forge-run/forge/pkg/store"
	forgesync "github.com/forge-run/forge/pkg/sync"
	"github.com/forge-run/forge/pkg/version"
)

func main() {
	configPath := flag.String("config", "forge.yaml", "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting forged",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"db_path", cfg.Store.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	bus := events.NewBus(cfg.Events.Buffer)
	hub := events.NewHub(bus, nil)

	syncService, err := forgesync.NewService(ctx, st, bus)
	if err != nil {
		slog.Error("Failed to initialize sync service", "error", err)
		os.Exit(1)
	}
	lockManager := locks.NewManager(st, bus, syncService.Clock(), cfg.Locks.LeaseDuration)
	projectService := services.NewProjectService(st, bus)
	taskService := services.NewTaskService(st, bus, syncService.Clock(), lockManager)
	slog.Info("Services initialized")

	go lockManager.RunSweeper(ctx, cfg.Locks.SweepInterval)

	cleanupService := cleanup.NewService(&cfg.Retention, st)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	server := api.NewServer(syncService, lockManager, taskService, projectService, hub, cfg.Server.CORSOrigin)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	cancel()

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
