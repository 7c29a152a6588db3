// Copyright 2025 Certen Protocol
//
// Command snapshotd runs the Merkle snapshot service: it periodically walks
// a source directory, builds a Merkle tree over the files found, and
// commits the result to a storage backend behind a change gate, serving a
// read API and health surface over HTTP throughout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certen-labs/merkle-snapshot/pkg/cache"
	"github.com/certen-labs/merkle-snapshot/pkg/config"
	"github.com/certen-labs/merkle-snapshot/pkg/orchestrator"
	"github.com/certen-labs/merkle-snapshot/pkg/scheduler"
	"github.com/certen-labs/merkle-snapshot/pkg/server"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/storage/objectstore"
	"github.com/certen-labs/merkle-snapshot/pkg/storage/relational"
	appsync "github.com/certen-labs/merkle-snapshot/pkg/sync"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var showHelp = flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	log.Println("Starting snapshot service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration:", err)
	}

	appCache := cache.New(cache.Config{
		Enabled:        cfg.CacheEnabled,
		Host:           cfg.CacheHost,
		Port:           cfg.CachePort,
		Password:       cfg.CachePassword,
		DB:             cfg.CacheDB,
		DefaultTTLSecs: cfg.CacheDefaultTTL,
	}, cache.WithLogger(log.New(log.Writer(), "[Cache] ", log.LstdFlags)))

	backend, err := newBackend(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage backend:", err)
	}
	log.Printf("storage backend ready: %s", cfg.Backend)

	orch := orchestrator.New(
		cfg.SourceDirectory,
		cfg.BatchSize,
		appsync.New(appCache, backend),
		orchestrator.WithLogger(log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)),
	)

	sched := scheduler.New(
		cfg.ScanIntervalMinutes,
		orch.BuildAndSync,
		scheduler.WithLogger(log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)),
	)
	sched.Start()
	log.Printf("scheduler started: %s", scheduler.CronExpression(cfg.ScanIntervalMinutes))

	srv := server.New(cfg, appCache, backend, sched, orch)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("HTTP API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutdown signal received, entering graceful shutdown...")
	shutdown(httpServer, sched, appCache, backend)
	log.Println("snapshot service stopped")
}

var isShuttingDown bool

// shutdown implements the §5 cancellation model: stop scheduler ticks,
// await an in-flight build for a bounded period, close cache/backend
// connections, then return so main can exit. Re-entry is guarded by
// isShuttingDown. Only the SIGINT/SIGTERM path in main calls it; the
// log.Fatal calls in main (startup failures and an HTTP listener failure)
// exit the process directly without running it.
func shutdown(httpServer *http.Server, sched *scheduler.Scheduler, appCache *cache.Cache, backend storage.Backend) {
	if isShuttingDown {
		return
	}
	isShuttingDown = true

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Give any in-flight build a bounded window to finish before we close
	// the connections it depends on.
	deadline := time.Now().Add(10 * time.Second)
	for sched.Status().BuildInProgress && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	if err := appCache.Close(); err != nil {
		log.Printf("cache close error: %v", err)
	}
	if err := backend.Close(); err != nil {
		log.Printf("backend close error: %v", err)
	}
}

func newBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendRelational:
		return relational.New(relational.Config{
			DatabaseURL:     cfg.DatabaseURL,
			MaxOpenConns:    cfg.DatabaseMaxConns,
			MaxIdleConns:    cfg.DatabaseMinConns,
			ConnMaxIdleSecs: cfg.DatabaseMaxIdleTime,
			ConnMaxLifeSecs: cfg.DatabaseMaxLifetime,
		})
	case config.BackendObjectStore:
		return objectstore.New(context.Background(), objectstore.Config{
			Bucket:    cfg.ObjectStoreBucket,
			Region:    cfg.ObjectStoreRegion,
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func printHelp() {
	fmt.Println("snapshotd - periodic Merkle snapshot service")
	fmt.Println()
	fmt.Println("Configuration is read entirely from environment variables; see")
	fmt.Println("pkg/config for the full list. Common ones:")
	fmt.Println("  PORT                    HTTP listen port (default 8080)")
	fmt.Println("  SOURCE_DIRECTORY        directory to snapshot (default ./data)")
	fmt.Println("  SCAN_INTERVAL_MINUTES   minutes between scans (default 15)")
	fmt.Println("  STORAGE_BACKEND         relational | objectstore (default relational)")
	fmt.Println("  CACHE_ENABLED           true | false (default true)")
}
