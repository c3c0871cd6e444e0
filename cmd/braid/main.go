package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/braidlab/braid/internal/consolidate"
	corecfg "github.com/braidlab/braid/internal/core/config"
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/core/storage/jsonl"
	"github.com/braidlab/braid/internal/core/storage/memory"
	"github.com/braidlab/braid/internal/core/storage/postgres"
	"github.com/braidlab/braid/internal/migrations"
	"github.com/braidlab/braid/internal/pipeline"
	"github.com/braidlab/braid/internal/policy"
	"github.com/braidlab/braid/internal/runs"
	"github.com/braidlab/braid/internal/server"
	"github.com/braidlab/braid/internal/worker"
)

func main() {
	configPath := flag.String("config", "braid.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	timeBudget, err := cfg.Pipeline.EffectiveTimeBudget()
	if err != nil {
		slog.Error("Invalid pipeline time budget", "value", cfg.Pipeline.TimeBudget, "error", err)
		os.Exit(1)
	}

	// 2. Initialize the Ledger Store
	store, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize ledger store", "backend", cfg.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Load Verdict Policy Rules
	ruleRepo, err := policy.NewFileSystemRuleRepository(cfg.Policy.ConfigDir)
	if err != nil {
		slog.Error("Failed to load policy rules", "dir", cfg.Policy.ConfigDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Policy rules loaded", "count", len(ruleRepo.Rules()), "dir", cfg.Policy.ConfigDir)

	// 4. Register Workers
	registry := worker.NewRegistry()
	if err := registry.Register(worker.NewPatternScanner()); err != nil {
		slog.Error("Failed to register worker", "error", err)
		os.Exit(1)
	}
	slog.Info("Workers registered", "workers", registry.Names())

	// 5. Assemble the Pipeline
	consolidator := consolidate.New(store, ruleRepo.Rules())
	pipe := pipeline.New(store, registry, consolidator, pipeline.Options{
		Parallelism: cfg.Pipeline.Parallelism,
		Budget:      timeBudget,
		BaselineDir: cfg.Baseline.Dir,
	})

	// 6. Initialize the HTTP Surface
	runsSvc := runs.NewService(store, pipe, cfg.Server.MaxBodySizeMB)
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), store, cfg.Server.Mode)
	runsSvc.RegisterRoutes(srv.Engine)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// openStore selects the ledger backend from config.
func openStore(cfg *corecfg.Config) (storage.LedgerStore, error) {
	switch cfg.Ledger.Backend {
	case "jsonl":
		return jsonl.Open(cfg.Ledger.Path)
	case "memory":
		return memory.New(), nil
	case "postgres":
		// Migrations run on a throwaway handle first: the adapter refuses to
		// start against a database without the beads table.
		db, err := sql.Open("postgres", cfg.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database for migrations: %w", err)
		}
		if err := migrations.RunMigrations(db, cfg.Ledger.AutoMigrate); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		db.Close()

		return postgres.NewAdapter(
			cfg.Ledger.DSN,
			cfg.Ledger.MaxOpenConns,
			cfg.Ledger.MaxIdleConns,
		)
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
	}
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
