// Kestrel - Account risk scoring for trust and safety teams.
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

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fanout"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A local .env supplies KESTREL_ variables in development; real
	// environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
	)

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

	// Rule table: builtin, then configured rules, then stored overrides.
	ruleEngine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRules(ctx, repo, ruleEngine, cfg.Scoring.Rules); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", ruleEngine.RulesCount())

	m := metrics.NewManager(metrics.WithRuntimeCollectors())

	fanoutIndex := fanout.NewIndex(cacheImpl, cfg.Scoring.Network)
	engine, err := scoring.NewEngine(cfg.Scoring, ruleEngine, fanoutIndex)
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(repo, cfg.Scoring.Dispatch, dispatch.WithPublisher(busImpl))
	svc := scoring.NewService(engine, repo, dispatcher,
		scoring.WithLatestCache(cacheImpl, cfg.Cache.LocalTTL),
		scoring.WithEvents(busImpl),
		scoring.WithMetrics(m),
	)
	slog.Info("scoring service initialized",
		"batch_size", cfg.Scoring.BatchSize,
		"dedup_window", cfg.Scoring.Dispatch.DedupWindow,
	)

	// Initialize bus-driven Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, cfg.Worker, m)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	handler := api.NewHandler(svc, repo, cacheImpl, busImpl, ruleEngine, fanoutIndex, cfg.Scoring, Version)
	srv := api.NewServer(cfg.Server, handler, m)

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

// loadRules merges the builtin rules with the configured rules and the
// overrides stored through POST /rules. A store that cannot be read leaves
// the builtin and configured rules in place.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine, configured []*domain.RuleConfig) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		dbRules = nil
	}
	if len(dbRules) > 0 {
		slog.Info("applying stored rule overrides", "count", len(dbRules))
	}

	return engine.ReloadRules(rules.Merge(rules.BuiltinRules(), configured, dbRules))
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |        Account Risk Scoring Engine        |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Worker:   %t\n", cfg.Worker.Enabled)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                        - Score an account snapshot")
	fmt.Println("    POST /score/batch                  - Score many snapshots")
	fmt.Println("    GET  /accounts/{id}/scores         - Score history")
	fmt.Println("    GET  /accounts/{id}/scores/latest  - Latest score")
	fmt.Println("    GET  /notifications?unread=true    - Moderation queue")
	fmt.Println("    POST /notifications/{id}/read      - Mark a notification read")
	fmt.Println("    GET  /rules                        - List loaded rules")
	fmt.Println("    POST /rules                        - Save a rule override")
	fmt.Println("    POST /rules/reload                 - Hot-reload rules")
	fmt.Println("    GET  /config/scoring               - Thresholds and weights")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println("    GET  /metrics                      - Prometheus metrics")
	fmt.Println()
}
