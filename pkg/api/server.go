// Package api is the HTTP surface: the REST routes that drive a job end to
// end, the SSE event stream, and the health/metrics endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/services"
	"github.com/agentbus/agentbus/pkg/store"
	"github.com/agentbus/agentbus/pkg/version"
)

// Server hosts the REST and SSE surface.
type Server struct {
	cfg       config.HTTPConfig
	store     store.Store
	jobs      *services.JobService
	artifacts *services.ArtifactService
	events    *services.EventService
	usage     *services.UsageService
	pool      *queue.Pool
	metrics   *metrics.Metrics

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.HTTPConfig, st store.Store, jobs *services.JobService,
	artifacts *services.ArtifactService, eventSvc *services.EventService,
	usage *services.UsageService, pool *queue.Pool, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		jobs:      jobs,
		artifacts: artifacts,
		events:    eventSvc,
		usage:     usage,
		pool:      pool,
		metrics:   m,
	}
}

// Router builds the gin engine with all routes and middleware registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "Last-Event-ID")
		router.Use(cors.New(corsCfg))
	}

	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(),
			promhttp.HandlerOpts{})))
	}

	api := router.Group("/api", bearerAuth(s.cfg.AuthToken))
	{
		api.POST("/projects", s.handleCreateJob)
		api.GET("/projects", s.handleListJobs)
		api.GET("/projects/:job_id", s.handleGetJob)
		api.DELETE("/projects/:job_id", s.handleDeleteJob)
		api.GET("/projects/:job_id/artifacts", s.handleListArtifacts)
		api.GET("/projects/:job_id/artifacts/:type", s.handleGetArtifact)
		api.GET("/projects/:job_id/tasks", s.handleListTasks)
		api.GET("/projects/:job_id/usage", s.handleGetUsage)
		api.POST("/projects/:job_id/approve", s.handleApprove)
		api.POST("/projects/:job_id/request_changes", s.handleRequestChanges)
		api.POST("/projects/:job_id/restart", s.handleRestart)
		api.POST("/projects/:job_id/cancel", s.handleCancel)

		api.GET("/events/history", s.handleEventHistory)
		api.POST("/admin/requeue-orphans", s.handleRequeueOrphans)
	}

	// Auth-exempt: EventSource clients cannot set an Authorization header.
	router.GET("/api/events/stream", s.handleEventStream)

	return router
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "addr", s.cfg.BindAddr, "version", version.Version)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports process and dependency health.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"version": version.Version,
			"error":   err.Error(),
		})
		return
	}

	resp := gin.H{"status": "ok", "version": version.Version}
	if s.pool != nil {
		resp["workers"] = s.pool.Health()
	}
	c.JSON(http.StatusOK, resp)
}
