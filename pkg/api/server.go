// Package api is the HTTP surface: run submission, inspection, event
// pages, live streams, approval decisions, and cancellation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/database"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/queue"
	"github.com/runforge/runforge/pkg/store"
	"github.com/runforge/runforge/pkg/swarm"
	"github.com/runforge/runforge/pkg/version"
)

// Server holds the HTTP handlers' dependencies.
type Server struct {
	cfg         *config.ServerConfig
	db          *database.Client
	store       *store.Store
	recorder    *events.Recorder
	bus         *events.Bus
	listener    *events.NotifyListener
	gate        *approval.Gate
	coordinator *swarm.Coordinator
	pool        *queue.WorkerPool

	httpServer *http.Server
}

// NewServer wires the API server.
func NewServer(cfg *config.ServerConfig, db *database.Client, st *store.Store,
	rec *events.Recorder, bus *events.Bus, listener *events.NotifyListener,
	gate *approval.Gate, coordinator *swarm.Coordinator, pool *queue.WorkerPool) *Server {
	return &Server{
		cfg:         cfg,
		db:          db,
		store:       st,
		recorder:    rec,
		bus:         bus,
		listener:    listener,
		gate:        gate,
		coordinator: coordinator,
		pool:        pool,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api/v1", requireScope())
	{
		api.POST("/runs", s.handleCreateRun)
		api.GET("/runs/:id", s.handleGetRun)
		api.POST("/runs/:id/cancel", s.handleCancelRun)
		api.GET("/runs/:id/events", s.handleEventPage)
		api.GET("/runs/:id/stream", s.handleStream)
		api.POST("/runs/:id/approval", s.handleApproval)
		api.GET("/runs/:id/approvals", s.handlePendingApprovals)
		api.POST("/runs/:id/inject", s.handleInject)
		api.GET("/runs/:id/children", s.handleChildren)
		api.GET("/runs/:id/swarm", s.handleSwarmStatus)
		api.GET("/sessions/:key/history", s.handleSessionHistory)
	}
	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports database and worker pool health.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := database.Health(ctx, s.db)
	var poolHealth *queue.PoolHealth
	if s.pool != nil {
		poolHealth = s.pool.Health(ctx)
	}

	healthy := dbHealth.Reachable && (poolHealth == nil || poolHealth.IsHealthy)
	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":   label,
		"version":  version.Full(),
		"database": dbHealth,
		"pool":     poolHealth,
	})
}
