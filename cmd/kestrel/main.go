// Kestrel - Rate-plan backtesting for insurance books.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/obs"
	"github.com/opensource-finance/kestrel/internal/quota"
	"github.com/opensource-finance/kestrel/internal/rating"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration (tier defaults + optional YAML + env overrides)
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Compile the optional guardrail predicate
	var guardrail *rating.Guardrail
	if cfg.Backtest.GuardrailExpr != "" {
		guardrail, err = rating.NewGuardrail(cfg.Backtest.GuardrailExpr)
		if err != nil {
			slog.Error("failed to compile guardrail expression", "error", err)
			os.Exit(1)
		}
		slog.Info("guardrail compiled", "expr", cfg.Backtest.GuardrailExpr)
	}

	// Initialize the observability sinks
	notifier := obs.NewNotifier(cfg.Notifier)
	dispatcher := obs.NewDispatcher(busImpl, repo, notifier)
	defer dispatcher.Close()
	slog.Info("dispatcher initialized", "webhook_enabled", notifier.Enabled())

	for _, tenantID := range tenantsFromEnv() {
		if err := dispatcher.Watch(ctx, tenantID); err != nil {
			slog.Error("failed to watch tenant events", "tenant_id", tenantID, "error", err)
		}
	}

	// Initialize the backtest runner and admission quota
	runner := backtest.NewRunner(repo, obs.NewBusEmitter(busImpl), guardrail, cfg.Backtest)
	quotaSvc := quota.NewService(cacheImpl, cfg.Backtest.RunsPerHour)
	slog.Info("backtest runner initialized",
		"max_cohort_units", cfg.Backtest.MaxCohortUnits,
		"chunk_size", cfg.Backtest.ChunkSize,
		"runs_per_hour", cfg.Backtest.RunsPerHour,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, runner)

		workerCfg := worker.Config{
			TenantIDs: tenantsFromEnv(),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, runner, quotaSvc, dispatcher, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// tenantsFromEnv parses the comma-separated KESTREL_TENANTS list.
func tenantsFromEnv() []string {
	raw := os.Getenv("KESTREL_TENANTS")
	if raw == "" {
		return nil
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                   ║")
	fmt.Println("  ║       Rating & Backtest Engine            ║")
	fmt.Println("  ║    Test the rate before the market does.  ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /quote                  - Quote one risk vector")
	fmt.Println("    POST /plans                  - Create a rate plan")
	fmt.Println("    GET  /plans                  - List rate plans")
	fmt.Println("    GET  /plans/{id}             - Get rate plan by ID")
	fmt.Println("    POST /experiments            - Create an experiment")
	fmt.Println("    GET  /experiments            - List experiments")
	fmt.Println("    GET  /experiments/{id}       - Get experiment and results")
	fmt.Println("    GET  /experiments/{id}/logs  - Get run step logs")
	fmt.Println("    POST /backtests              - Run a backtest (?async=1 to queue)")
	fmt.Println("    POST /data/exposures         - Ingest exposure rows")
	fmt.Println("    POST /data/losses            - Ingest loss rows")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
