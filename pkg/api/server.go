// Package api serves the operational HTTP endpoint: health, Prometheus
// metrics, and read-only session inspection. It is optional; an empty listen
// address disables it entirely. The MCP surface never goes through here.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gansauditor/gansauditor/pkg/obs"
	"github.com/gansauditor/gansauditor/pkg/queue"
	"github.com/gansauditor/gansauditor/pkg/session"
	"github.com/gansauditor/gansauditor/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// Pool exposes the orchestrator's health view.
type Pool interface {
	Health() *queue.PoolHealth
}

// HealthCheck is one named component check in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	QueueDepth     int                    `json:"queueDepth"`
	ActiveSessions int                    `json:"activeSessions"`
	Checks         map[string]HealthCheck `json:"checks"`
}

// Server is the operational HTTP endpoint.
type Server struct {
	addr    string
	store   *session.Store
	pool    Pool
	metrics *obs.Metrics

	// judgeProbe holds the startup availability probe result; empty means the
	// analyzer answered its version check.
	judgeProbe string

	httpSrv *http.Server
}

// NewServer builds the ops endpoint. judgeProbeErr carries the startup
// analyzer availability result; nil means available.
func NewServer(addr string, store *session.Store, pool Pool, metrics *obs.Metrics, judgeProbeErr error) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		pool:    pool,
		metrics: metrics,
	}
	if judgeProbeErr != nil {
		s.judgeProbe = judgeProbeErr.Error()
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	if s.addr == "" {
		return fmt.Errorf("ops endpoint has no listen address")
	}
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Ops endpoint listening", "addr", s.addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops endpoint terminated", "error", err)
		}
	}()
	return nil
}

// Stop shuts the endpoint down, waiting for in-flight requests up to the
// context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthHandler)
	r.GET("/api/v1/sessions/:id", s.sessionHandler)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return r
}

// healthHandler reports the auditor's own components. The analyzer check
// reflects the startup probe, not a live invocation, so a flaky analyzer
// cannot flap the process into restart loops.
func (s *Server) healthHandler(c *gin.Context) {
	status := healthStatusHealthy
	checks := make(map[string]HealthCheck)

	pool := s.pool.Health()
	if pool.IsHealthy {
		checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		status = healthStatusDegraded
		checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: "no audit workers running"}
	}

	if s.judgeProbe == "" {
		checks["analyzer"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		status = healthStatusDegraded
		checks["analyzer"] = HealthCheck{Status: healthStatusDegraded, Message: s.judgeProbe}
	}

	// Degraded still returns 200: the MCP surface keeps working and failed
	// audits surface their own errors.
	c.JSON(http.StatusOK, &HealthResponse{
		Status:         status,
		Version:        version.GitCommit,
		QueueDepth:     pool.QueueDepth,
		ActiveSessions: pool.ActiveSessions,
		Checks:         checks,
	})
}

// sessionHandler serves a read-only session snapshot.
func (s *Server) sessionHandler(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %q not found", id)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sess)
}
