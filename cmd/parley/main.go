// Parley runtime server. Loads configuration, wires the repositories and
// providers, and serves the turn-processing API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parley-ai/parley/pkg/api"
	"github.com/parley-ai/parley/pkg/channel"
	"github.com/parley-ai/parley/pkg/cleanup"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/enforce"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/locks"
	"github.com/parley-ai/parley/pkg/memory"
	"github.com/parley-ai/parley/pkg/migration"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/pipeline"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/chromemvec"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
	"github.com/parley-ai/parley/pkg/repo/postgres"
	"github.com/parley-ai/parley/pkg/repo/qdrantvec"
	"github.com/parley-ai/parley/pkg/runtime"
	"github.com/parley-ai/parley/pkg/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	httpPort := getEnv("HTTP_PORT", "8080")
	logger.Info("Starting parley", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()
	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if os.Getenv("PARLEY_TRACE_STDOUT") != "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("Failed to create trace exporter", "error", err)
			os.Exit(1)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(ctx) }()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)
	publisher := events.NewLogPublisher(logger)

	// Behavioral configuration, profiles, and memory always live in the
	// in-process store; sessions, audit, and idempotency move to Postgres
	// when a database is configured.
	store := memrepo.NewStore()
	configs := memrepo.NewConfigRepo(store)
	profiles := memrepo.NewInterlocutorRepo(store)
	memoryRepo := memrepo.NewMemoryRepo(store)

	var (
		sessions repo.SessionRepository
		audit    repo.AuditRepository
		idem     repo.IdempotencyCache
		health   api.HealthChecker
	)
	if cfg.Database.Host != "" {
		pg, err := postgres.NewClient(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		sessions = postgres.NewSessionRepo(pg)
		audit = postgres.NewAuditRepo(pg)
		idem = postgres.NewIdemCache(pg)
		health = pg
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Database)
	} else {
		sessions = memrepo.NewSessionRepo(store)
		audit = memrepo.NewAuditRepo(store)
		idem = memrepo.NewIdemCache()
		logger.Info("Using in-memory repositories")
	}

	var vectors repo.VectorRepository
	switch cfg.Vector.Backend {
	case "qdrant":
		qd, err := qdrantvec.New(qdrantvec.Config{
			Host:   cfg.Vector.Host,
			Port:   cfg.Vector.Port,
			APIKey: cfg.Vector.APIKey,
		}, logger)
		if err != nil {
			logger.Error("Failed to connect to qdrant", "error", err)
			os.Exit(1)
		}
		defer func() { _ = qd.Close() }()
		vectors = qd
	default:
		cv, err := chromemvec.New(cfg.Vector.Path, logger)
		if err != nil {
			logger.Error("Failed to open vector store", "error", err)
			os.Exit(1)
		}
		defer func() { _ = cv.Close() }()
		vectors = cv
	}
	logger.Info("Vector store ready", "backend", cfg.Vector.Backend)

	generator, embedder := buildProviders(cfg, logger)

	ingestion := memory.NewService(
		cfg.Pipeline.Extraction, cfg.Pipeline.Summarization, *cfg.Runtime,
		memoryRepo, vectors, embedder, generator, publisher, metrics, logger)
	ingestion.Start(ctx, cfg.Runtime.IngestionWorkers)
	defer ingestion.Stop()

	resolver := migration.NewResolver(profiles, memoryRepo, generator, logger)
	migrator := migration.NewEngine(configs, resolver, publisher, metrics, logger)

	gateway := tools.NewLocalGateway()
	executor := tools.NewExecutor(gateway, idem, publisher, metrics, logger)
	if cfg.Runtime.ToolRetryCount > 0 {
		executor.RetryCount = cfg.Runtime.ToolRetryCount
	}
	if cfg.Runtime.ToolRetryBackoff > 0 {
		executor.RetryBackoff = cfg.Runtime.ToolRetryBackoff
	}
	if cfg.Runtime.ToolIdempotencyTTL > 0 {
		executor.IdemTTL = cfg.Runtime.ToolIdempotencyTTL
	}

	enforcer := enforce.NewEnforcer(cfg.Pipeline.Enforcement, generator, configs, publisher, metrics, logger)

	phases := []pipeline.Phase{
		&pipeline.ContextLoadPhase{Configs: configs, Profiles: profiles, Migrator: migrator, Logger: logger},
		&pipeline.SensorPhase{Generator: generator},
		&pipeline.ProfileUpdatePhase{Logger: logger},
		&pipeline.RetrievalPhase{Configs: configs, Embedder: embedder},
		&pipeline.FilteringPhase{Generator: generator, Logger: logger},
		&pipeline.GapFillPhase{},
		&pipeline.PreToolsPhase{Executor: executor},
		&pipeline.GenerationPhase{Configs: configs, Generator: generator, Logger: logger},
		&pipeline.EnforcementPhase{Enforcer: enforcer, Configs: configs, Generator: generator, Logger: logger},
		&pipeline.PostToolsPhase{Executor: executor},
		&pipeline.PersistPhase{Sessions: sessions, Profiles: profiles, Logger: logger},
		&pipeline.AuditPhase{Audit: audit, Ingestion: ingestion, Logger: logger},
	}
	runner := pipeline.NewRunner(phases, cfg, publisher, metrics, logger)

	channels := channel.NewGateway(cfg.Channels, sessions, logger)
	rt := runtime.NewRuntime(cfg, channels, runner, idem, locks.NewLocal(), publisher, metrics, logger)

	cleanupSvc := cleanup.NewService(cfg.Runtime, profiles, sessions, audit, logger)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	watchCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	go func() {
		watcher := config.NewWatcher(*configDir, func(_ *config.Config) {
			logger.Info("Configuration changed on disk, restart to apply infrastructure settings")
		})
		if err := watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Config watcher stopped", "error", err)
		}
	}()

	server := api.NewServer(rt, cleanupSvc, registry, health, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}

// buildProviders constructs the generation and embedding clients. Missing
// provider configuration is not fatal: the pipeline degrades to
// template-driven responses and keyword retrieval.
func buildProviders(cfg *config.Config, logger *slog.Logger) (llm.Generator, llm.Embedder) {
	var generator llm.Generator
	if cfg.LLM.Generation.BaseURL != "" {
		client, err := llm.NewOpenAIClient(cfg.LLM.Generation, 0)
		if err != nil {
			logger.Error("Failed to build generation provider", "error", err)
			os.Exit(1)
		}
		generator = client
	} else {
		logger.Warn("No generation provider configured, running template-only")
	}

	var embedder llm.Embedder
	if cfg.LLM.Embedding.BaseURL != "" {
		client, err := llm.NewOpenAIClient(cfg.LLM.Embedding, 0)
		if err != nil {
			logger.Error("Failed to build embedding provider", "error", err)
			os.Exit(1)
		}
		embedder = client
		if cfg.LLM.EmbeddingFallback != nil {
			fb, err := llm.NewOpenAIClient(*cfg.LLM.EmbeddingFallback, 0)
			if err != nil {
				logger.Error("Failed to build embedding fallback provider", "error", err)
				os.Exit(1)
			}
			embedder = llm.NewFallbackEmbedder(client, fb, cfg.Pipeline.Budgets.Embedding, logger)
		}
	} else {
		logger.Warn("No embedding provider configured, retrieval degrades to keyword scoring")
	}
	return generator, embedder
}
