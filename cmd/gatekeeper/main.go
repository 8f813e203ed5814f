// Package main — cmd/gatekeeper/main.go
//
// Gatekeeper Tier-1 detection engine entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/gatekeeper/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Start the Prometheus metrics server.
//  4. Build the engine (opens checkpoint storage, restores the most
//     recent per-shard checkpoint, republishes the last active policy).
//  5. Start shard workers, the forwarder, and the checkpoint manager.
//  6. Start the HTTP API (ingest, feedback, policy, checkpoint, stats).
//  7. Register a SIGHUP handler that re-reads and re-validates the
//     config file and logs the result; the running engine keeps its
//     startup config, so changes take effect on restart.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Stop accepting new HTTP connections (graceful, 5s timeout).
//  2. Cancel root context (propagates to every shard worker and the
//     forwarder).
//  3. Wait for the engine goroutine to return (no timeout).
//  4. Flush logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/gatekeeper"
	"github.com/nodewatch/gatekeeper/internal/observability"
)

func main() {
	configPath := flag.String("config", "/etc/gatekeeper/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatekeeper %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("gatekeeper starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	engine, err := gatekeeper.New(cfg, metrics, log)
	if err != nil {
		log.Fatal("engine construction failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Start(ctx)
	}()
	log.Info("engine started", zap.Int("shard_count", cfg.Ingest.ShardCount))

	httpSrv := &http.Server{
		Addr:    cfg.Ingest.ListenAddr,
		Handler: engine.Handler(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http api started", zap.String("addr", cfg.Ingest.ListenAddr))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful — policy/threshold fields take effect on next restart; detector and ensemble weights are live-reloaded via policy snapshots, not config")
			_ = newCfg
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	cancel()
	wg.Wait()

	log.Info("gatekeeper shutdown complete")
}
