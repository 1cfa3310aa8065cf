package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/testforge/autopilot/internal/api"
	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/decision"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/learning"
	"github.com/testforge/autopilot/internal/llm"
	"github.com/testforge/autopilot/internal/observability"
	"github.com/testforge/autopilot/internal/orchestrator"
	"github.com/testforge/autopilot/internal/patterns"
	"github.com/testforge/autopilot/internal/reporting"
	"github.com/testforge/autopilot/internal/repository/catalog"
	"github.com/testforge/autopilot/internal/repository/postgres"
	rediscache "github.com/testforge/autopilot/internal/repository/redis"
	"github.com/testforge/autopilot/internal/storage"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.Env, cfg.GetLogLevel())
	defer logger.Sync()

	logger.Info("Starting Autopilot API",
		zap.String("version", cfg.App.Version),
		zap.String("environment", string(cfg.Env)),
	)

	if cfg.Features.EnableMetrics {
		observability.InitMetrics(cfg.App.Name)
	}

	// Knowledge base and memories
	kb, err := knowledge.New(knowledge.Options{
		SelectorsDir:    cfg.Data.SelectorsDir(),
		ExplorationsDir: cfg.Data.ExplorationsDir(),
		ScenarioDir:     cfg.Data.ScenarioCacheDir(),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Failed to open knowledge base", zap.Error(err))
	}
	defer kb.Close()

	br := brain.New(cfg.Data.MemoryDir(), logger)
	defer br.Flush()

	pt := patterns.NewStore(cfg.Data.PatternsDir(), logger)

	// AI gateway (optional)
	gateway := buildGateway(cfg, logger)

	var ai decision.AIGateway
	if gateway != nil {
		ai = gateway
	}
	decisions := decision.NewEngine(kb, br, ai, logger)
	learner := learning.NewEngine(kb, br, pt, logger)

	// Project catalog: PostgreSQL when enabled, JSON file otherwise
	var store orchestrator.ProjectStore
	var db *postgres.DB
	if cfg.Database.Enabled {
		db, err = postgres.New(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		store = postgres.NewCatalog(db)
		logger.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
		)
	} else {
		fileStore, err := catalog.NewFileStore(filepath.Join(cfg.Data.Dir, "catalog.json"), logger)
		if err != nil {
			logger.Fatal("Failed to open catalog", zap.Error(err))
		}
		store = fileStore
	}

	// Redis cache (optional)
	var cache *rediscache.Cache
	if cfg.Redis.Enabled {
		cache, err = rediscache.New(cfg.Redis)
		if err != nil {
			logger.Warn("Failed to connect to Redis, caching disabled", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
		}
	}

	// Object storage for artifact archival (optional)
	var archiver reporting.Archiver
	if cfg.Storage.Enabled && cfg.Features.EnableArchival {
		minioClient, err := storage.NewMinIOClient(cfg.Storage)
		if err != nil {
			logger.Warn("Failed to connect to object storage, archival disabled", zap.Error(err))
		} else if err := minioClient.EnsureBucket(context.Background()); err != nil {
			logger.Warn("Failed to ensure bucket, archival disabled", zap.Error(err))
		} else {
			archiver = minioClient
			logger.Info("Artifact archival enabled", zap.String("bucket", cfg.Storage.Bucket))
		}
	}

	reports := reporting.NewStore(cfg.Data.ReportsDir(), archiver, logger)

	runner := orchestrator.NewExecutorRunner(orchestrator.ExecutorRunnerOptions{
		Store:     store,
		KB:        kb,
		Brain:     br,
		Patterns:  pt,
		Decisions: decisions,
		Learner:   learner,
		Gateway:   gateway,
		Reports:   reports,
		Browser:   cfg.Browser,
		Mode:      domain.ExecutionMode(cfg.Orchestrator.ExecutionMode),
		ReportDir: cfg.Data.ReportsDir(),
		Logger:    logger,
	})

	orch := orchestrator.New(cfg.Orchestrator, store, runner, logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	if cfg.Orchestrator.Enabled {
		if err := orch.Start(baseCtx); err != nil {
			logger.Fatal("Failed to start orchestrator", zap.Error(err))
		}
		defer orch.Stop()
	}

	// Create router
	router := api.NewRouter(api.RouterConfig{
		BaseCtx:      baseCtx,
		Runner:       runner,
		Orchestrator: orch,
		Store:        store,
		Reports:      reports,
		KB:           kb,
		Brain:        br,
		Patterns:     pt,
		DB:           db,
		Cache:        cache,
		Logger:       logger,
		EnableCORS:   cfg.Server.EnableCORS,
		RateLimit:    300, // requests per minute
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed, forcing close", zap.Error(err))
			server.Close()
		}

		if err := kb.ForceSave(); err != nil {
			logger.Warn("Final knowledge save failed", zap.Error(err))
		}

		logger.Info("Server stopped gracefully")
	}
}

// buildGateway assembles the AI gateway from the configured providers.
// Returns nil when AI fallback is disabled or no provider is usable.
func buildGateway(cfg *config.Config, logger *zap.Logger) *llm.Gateway {
	if !cfg.Features.EnableAIFallback {
		return nil
	}

	var providers []llm.Provider
	if cfg.Claude.APIKey != "" {
		claude, err := llm.NewClaudeProvider(cfg.Claude)
		if err != nil {
			logger.Warn("Claude provider unavailable", zap.Error(err))
		} else {
			providers = append(providers, claude)
		}
	}
	if cfg.Ollama.Enabled {
		providers = append(providers, llm.NewOllamaProvider(cfg.Ollama))
	}
	if len(providers) == 0 {
		logger.Info("No AI provider configured, running without AI fallback")
		return nil
	}

	budget := llm.NewBudget(cfg.Budget, cfg.Data.BudgetFile(), logger)
	cache := llm.NewResponseCache(cfg.Data.AICacheDir(), cfg.Budget.CacheSize, logger)
	return llm.NewGateway(providers, budget, cache, logger)
}

// initLogger creates a configured zap logger
func initLogger(env config.Environment, level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if env == config.EnvProduction {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
