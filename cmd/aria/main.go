// Aria cognitive core server: session lifecycle, LLM gateway, agent pool,
// orchestration and the HTTP/WebSocket/GraphQL surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/api"
	"github.com/aria-platform/aria/pkg/bootstrap"
	"github.com/aria-platform/aria/pkg/chat"
	"github.com/aria-platform/aria/pkg/config"
	"github.com/aria-platform/aria/pkg/database"
	"github.com/aria-platform/aria/pkg/graphql"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/metrics"
	"github.com/aria-platform/aria/pkg/orchestrator"
	"github.com/aria-platform/aria/pkg/scheduler"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/skill"
	"github.com/aria-platform/aria/pkg/store/pg"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("ARIA_CONFIG_DIR", "./config"),
		"Path to configuration directory")

	// Subcommand first, flags after: aria [serve|bootstrap|migrate] [flags].
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(2)
	}

	switch command {
	case "serve":
		runServe(*configDir)
	case "bootstrap":
		runBootstrap(*configDir)
	case "migrate":
		runMigrate(*configDir)
	default:
		slog.Error("Unknown command", "command", command)
		os.Exit(2)
	}
}

func runBootstrap(configDir string) {
	envPath := filepath.Join(configDir, ".env")
	if _, err := bootstrap.Run(envPath, os.Stdout); err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func loadEnv(configDir string) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}
}

func runMigrate(configDir string) {
	loadEnv(configDir)
	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	client, err := database.NewClient(ctx, dbConfig, false)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := database.RunMigrations(client.DB(), dbConfig.Database); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")
}

func runServe(configDir string) {
	loadEnv(configDir)

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	// Production deployments apply migrations through the migrate command;
	// implicit schema creation stays a development convenience.
	autoMigrate := cfg.Runtime.AutoMigrate && !cfg.Runtime.Production
	dbClient, err := database.NewClient(ctx, dbConfig, autoMigrate)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	stores := pg.NewStores(dbClient.DB())
	recorder := metrics.Default()
	logger := slog.Default()

	// One provider client per distinct provider in the catalog. All of them
	// speak the OpenAI-compatible wire protocol against the configured base
	// URL with the master key.
	providers := map[string]llm.Provider{}
	for _, m := range cfg.Catalog.Models {
		if _, ok := providers[m.Provider]; !ok {
			providers[m.Provider] = llm.NewOpenAIProvider(
				m.Provider, cfg.Runtime.LLMMasterKey, cfg.Runtime.LLMBaseURL)
		}
	}
	gateway := llm.NewGateway(cfg.Catalog, providers, recorder, logger,
		llm.WithTimeout(cfg.Runtime.CompletionTimeout),
		llm.WithIdleTimeout(cfg.Runtime.StreamIdleTimeout))

	sessions := services.NewSessionService(stores, gateway, cfg.Runtime.GhostTTL, logger)
	pool := agentpool.NewPool(stores.Agents, sessions, gateway, cfg.Catalog, logger)
	orch := orchestrator.New(pool, sessions, gateway, logger)
	engine := chat.NewEngine(sessions, gateway, orch, stores.Agents, logger)

	// Skills register leaves-first; the registry rejects anything else.
	registry := skill.NewRegistry()
	memorySkill, err := skill.NewMemorySkill(cfg.Runtime.MemoryPath)
	if err != nil {
		slog.Error("Failed to initialize memory skill", "error", err)
		os.Exit(1)
	}
	for _, s := range []skill.Skill{
		memorySkill,
		skill.NewMaintenanceSkill(sessions),
		llm.NewGatewaySkill(gateway),
	} {
		if err := registry.Register(s); err != nil {
			slog.Error("Failed to register skill", "skill", s.Name(), "error", err)
			os.Exit(1)
		}
	}
	executor := skill.NewExecutor(registry, skill.DefaultRetryPolicy(), recorder, logger)

	sched := scheduler.New(executor, pool, sessions, stores.Cron, dbClient, cfg.Runtime, logger)
	if err := sched.Sync(ctx, cfg.CronJobs); err != nil {
		slog.Error("Failed to sync cron jobs", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	slog.Info("Scheduler started", "jobs", len(cfg.CronJobs))

	gql, err := graphql.NewHandler(graphql.Deps{
		Sessions: sessions,
		Pool:     pool,
		Models:   gateway,
		Cron:     stores.Cron,
	}, logger)
	if err != nil {
		slog.Error("Failed to build GraphQL schema", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(api.Deps{
		Sessions:     sessions,
		Chat:         engine,
		Models:       gateway,
		Pool:         pool,
		Orchestrator: orch,
		Scheduler:    sched,
		CronJobs:     stores.Cron,
		Health: func(ctx context.Context) (*database.HealthStatus, error) {
			return database.Health(ctx, dbClient.DB())
		},
		GraphQL: gql,
	}, cfg.Runtime, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Aria started", "http_port", httpPort, "models", len(cfg.Catalog.Models))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first, then the loops, then wait for background work so
	// nothing races the closing database pool.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	sched.Stop()
	pool.Wait()
	sessions.Wait()

	slog.Info("Shutdown complete")
}
