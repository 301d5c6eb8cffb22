// Package api exposes the HTTP surface: REST handlers, SSE chat streaming,
// WebSocket transports and the GraphQL endpoint, behind API-key auth and the
// uniform error envelope.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/chat"
	"github.com/aria-platform/aria/pkg/config"
	"github.com/aria-platform/aria/pkg/database"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/orchestrator"
	"github.com/aria-platform/aria/pkg/scheduler"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// HealthFunc probes the persistence backend.
type HealthFunc func(ctx context.Context) (*database.HealthStatus, error)

// ModelReporter is the gateway slice the /models route needs.
type ModelReporter interface {
	Status() []llm.ModelStatus
}

// Deps bundles everything the server routes to.
type Deps struct {
	Sessions     *services.SessionService
	Chat         *chat.Engine
	Models       ModelReporter
	Pool         *agentpool.Pool
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	CronJobs     store.CronStore
	Health       HealthFunc
	GraphQL      http.Handler
}

// Server is the HTTP server for the whole platform surface.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	deps    Deps
	cfg     config.RuntimeConfig
	logger  *slog.Logger
	limiter *clientLimiter
	started time.Time
}

// NewServer wires routes and middleware. The returned server is ready for
// Start.
func NewServer(deps Deps, cfg config.RuntimeConfig, logger *slog.Logger) *Server {
	s := &Server{
		echo:    echo.New(),
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		limiter: newClientLimiter(chatRequestsPerSecond, chatBurst),
		started: time.Now(),
	}

	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(s.correlationMiddleware())
	s.echo.Use(securityHeaders())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	// Unauthenticated probes.
	e.GET("/health", s.healthHandler)

	api := e.Group("")
	api.Use(s.authMiddleware())
	api.Use(s.csrfMiddleware())
	api.Use(s.bodyGuard())

	api.POST("/chat", s.chatHandler, s.chatLimit())
	api.POST("/chat/stream", s.chatStreamHandler, s.chatLimit())

	api.GET("/sessions", s.listSessionsHandler)
	api.GET("/sessions/archive", s.listArchivedHandler)
	api.DELETE("/sessions/ghosts", s.deleteGhostsHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.GET("/sessions/:id/messages", s.sessionMessagesHandler)
	api.POST("/sessions/:id/archive", s.archiveSessionHandler)

	api.GET("/agents", s.listAgentsHandler)
	api.POST("/agents/spawn", s.spawnAgentHandler)
	api.POST("/agents/delegate", s.delegateHandler)
	api.DELETE("/agents/:id", s.terminateAgentHandler)

	api.POST("/roundtable", s.roundtableHandler)
	api.POST("/swarm", s.swarmHandler)

	api.GET("/models", s.listModelsHandler)

	api.GET("/cron", s.listCronHandler)
	api.POST("/cron", s.upsertCronHandler)
	api.PATCH("/cron/:id", s.patchCronHandler)
	api.POST("/cron/:name/run", s.runCronHandler)

	// WebSocket routes authenticate after the upgrade so auth failures can
	// surface as close code 4001 instead of a plain 401.
	e.GET("/ws/chat/:id", s.wsChatHandler)
	e.GET("/ws/roundtable", s.wsRoundtableHandler)

	if s.deps.GraphQL != nil {
		api.POST("/graphql", echo.WrapHandler(s.deps.GraphQL))
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
