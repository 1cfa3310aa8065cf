// Package api assembles the HTTP surface: middleware stack, health probes,
// metrics, and the agent routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/api/handlers"
	"github.com/testforge/autopilot/internal/api/middleware"
	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/observability"
	"github.com/testforge/autopilot/internal/orchestrator"
	"github.com/testforge/autopilot/internal/patterns"
	"github.com/testforge/autopilot/internal/reporting"
	"github.com/testforge/autopilot/internal/repository/postgres"
	rediscache "github.com/testforge/autopilot/internal/repository/redis"
	"github.com/testforge/autopilot/pkg/httputil"
)

// Router holds the HTTP router and its dependencies
type Router struct {
	chi.Router
	logger *zap.Logger
}

// RouterConfig contains configuration for the router
type RouterConfig struct {
	BaseCtx      context.Context
	Runner       handlers.AgentRunner
	Orchestrator *orchestrator.Orchestrator
	Store        orchestrator.ProjectStore
	Reports      *reporting.Store
	KB           *knowledge.Base
	Brain        *brain.Brain
	Patterns     *patterns.Store
	DB           *postgres.DB
	Cache        *rediscache.Cache
	Logger       *zap.Logger
	EnableCORS   bool
	RateLimit    int
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(cfg RouterConfig) *Router {
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}

	r := chi.NewRouter()

	// Base middleware stack
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Handler)
	r.Use(chimw.Timeout(10 * time.Minute))

	// CORS configuration
	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Rate limiting (if Redis is available)
	if cfg.Cache != nil && cfg.RateLimit > 0 {
		r.Use(middleware.NewRateLimitMiddleware(cfg.Cache, cfg.RateLimit, true).Handler)
	}

	// Probes and metrics (no auth, exempt from rate limiting)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(cfg.DB, cfg.Cache))
	if metrics := observability.GetMetrics(); metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	agentHandler := handlers.NewAgentHandler(cfg.Runner, cfg.Store, cfg.Logger)
	autonomousHandler := handlers.NewAutonomousHandler(cfg.BaseCtx, cfg.Orchestrator, cfg.Store, cfg.Runner, cfg.Cache, cfg.Logger)
	knowledgeHandler := handlers.NewKnowledgeHandler(cfg.KB, cfg.Brain, cfg.Patterns, cfg.Logger)
	reportHandler := handlers.NewReportHandler(cfg.Reports, cfg.Cache, cfg.Logger)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/run", agentHandler.Run)
		r.Post("/stop", agentHandler.Stop)
		r.Get("/status", agentHandler.Status)

		r.Route("/autonomous", func(r chi.Router) {
			r.Post("/run/{projectId}", autonomousHandler.RunProject)
			r.Get("/session/{sessionId}", autonomousHandler.GetSession)
			r.Post("/session/{sessionId}/stop", autonomousHandler.StopSession)
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/stats", knowledgeHandler.Stats)
			r.Post("/export", knowledgeHandler.Export)
			r.Post("/import", knowledgeHandler.Import)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", reportHandler.List)
			r.Get("/{id}", reportHandler.Get)
		})
	})

	return &Router{
		Router: r,
		logger: cfg.Logger,
	}
}

// healthHandler returns basic health status
func healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "autopilot-api",
	})
}

// readyHandler checks if all dependencies are ready
func readyHandler(db *postgres.DB, cache *rediscache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string)
		allHealthy := true

		if db != nil {
			if err := db.Health(r.Context()); err != nil {
				checks["database"] = "unhealthy: " + err.Error()
				allHealthy = false
			} else {
				checks["database"] = "healthy"
			}
		} else {
			checks["database"] = "not configured"
		}

		if cache != nil {
			if err := cache.Health(r.Context()); err != nil {
				checks["redis"] = "unhealthy: " + err.Error()
				allHealthy = false
			} else {
				checks["redis"] = "healthy"
			}
		} else {
			checks["redis"] = "not configured"
		}

		status := http.StatusOK
		statusText := "ready"
		if !allHealthy {
			status = http.StatusServiceUnavailable
			statusText = "not ready"
		}

		httputil.JSON(w, status, map[string]any{
			"status": statusText,
			"checks": checks,
		})
	}
}
