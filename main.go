package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"kyt-gateway/work/admission"
	"kyt-gateway/work/buffer"
	"kyt-gateway/work/cache"
	"kyt-gateway/work/client"
	"kyt-gateway/work/config"
	"kyt-gateway/work/database"
	"kyt-gateway/work/gateway"
	"kyt-gateway/work/handlers"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/resolver"
	"kyt-gateway/work/session"
	"kyt-gateway/work/streamer"
	"kyt-gateway/work/ticket"
	"kyt-gateway/work/vault"
)

var (
	Version = "v0.1.0" // default version
)

// resolveCacheCapacity bounds the resolve cache entry count.
const resolveCacheCapacity = 4096

// our main app worker
func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// serve loop: each pass builds the full stack from config and runs it
	// until shutdown or a graceful restart request.
	for {
		restart, err := serve(sigChan)
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		if !restart {
			return
		}

		// reload from file on the next pass
		config.ClearConfigCache()
		logger.Info("{main - main} Graceful restart: rebuilding from fresh configuration")
	}
}

// serve builds every component, runs the HTTP server, and tears everything
// down again. Returns true when a graceful restart was requested.
func serve(sigChan chan os.Signal) (bool, error) {

	// load our config
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// credential vault and proxy rotation
	credVault := vault.New(cfg.Email, cfg.Password, cfg.Proxies)

	// shared upstream HTTP client
	httpClient := client.NewHeaderSettingClient(cfg, credVault)

	// persistence: api keys, usage windows, audit records
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return false, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.SeedAdminKey(cfg.AdminBootstrapKey); err != nil {
		return false, fmt.Errorf("failed to seed admin key: %w", err)
	}

	// bounded pool for upstream resolution work
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return false, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer workerPool.Release()

	// background session lifecycle
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher := session.NewRefresher(cfg, credVault, session.NewHTTPAuthenticator(cfg, httpClient))
	refresher.Start(ctx)
	defer refresher.Stop()

	// resolution pipeline
	resolveCache := cache.New(cfg.ResolveCacheTTL, resolveCacheCapacity)
	resolverInstance := resolver.New(cfg, httpClient, refresher, resolveCache, workerPool)

	// admission, tickets, chunked delivery
	admitController := admission.NewController(db)
	tickets := ticket.NewRegistry(cfg.TicketTTL)
	tickets.StartSweeper(ctx, 5*time.Minute)

	chunkPool := buffer.NewChunkPool(cfg.ChunkSize())
	streamerInstance := streamer.New(httpClient, chunkPool)

	gatewayInstance := gateway.New(cfg, db, admitController, resolverInstance, tickets, streamerInstance, refresher)

	// public routes plus the admin surface
	router := handlers.NewRouter(gatewayInstance)
	setupAdminRoutes(router, cfg, db, refresher)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting KYT Gateway %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Chunk Size: %d MB", cfg.ChunkSizeMB)
	logger.Info("  - Ticket TTL: %s", cfg.TicketTTL)
	logger.Info("  - Resolve Cache TTL: %s", cfg.ResolveCacheTTL)
	logger.Info("  - Session Refresh: %s (safety margin %s)", cfg.RefreshInterval, cfg.SafetyMargin)
	logger.Info("  - Upstream Rate: %d req/s", cfg.UpstreamRatePerSec)
	logger.Info("  - Proxies: %d configured", len(cfg.Proxies))
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var restart bool
	select {
	case err := <-errChan:
		return false, err
	case <-sigChan:
		logger.Info("{main - serve} Shutdown signal received")
	case <-restartChan:
		logger.Info("{main - serve} Restart requested")
		restart = true
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - serve} Forced shutdown: %v", err)
	}

	return restart, nil
}
