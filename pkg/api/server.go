// Package api exposes the turn-processing HTTP surface: turn submission,
// SSE streaming, health, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/pkg/cleanup"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/runtime"
)

// TurnRequest is the POST /api/v1/turns payload.
type TurnRequest struct {
	TenantID      string         `json:"tenant_id" binding:"required"`
	AgentID       string         `json:"agent_id" binding:"required"`
	Channel       string         `json:"channel" binding:"required"`
	ChannelUserID string         `json:"channel_user_id" binding:"required"`
	SessionID     string         `json:"session_id,omitempty"`
	Content       string         `json:"content" binding:"required"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HealthChecker reports backend liveness; the Postgres client satisfies it
// when configured.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	rt       *runtime.Runtime
	cleanup  *cleanup.Service
	registry *prometheus.Registry
	health   HealthChecker
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer wires the routes. health may be nil when no external backend
// needs checking.
func NewServer(rt *runtime.Runtime, cleanupSvc *cleanup.Service, registry *prometheus.Registry, health HealthChecker, logger *slog.Logger) *Server {
	return &Server{
		rt:       rt,
		cleanup:  cleanupSvc,
		registry: registry,
		health:   health,
		logger:   logger.With("component", "api"),
	}
}

// Engine builds the gin router.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := engine.Group("/api/v1")
	v1.POST("/turns", s.processTurn)
	v1.POST("/turns/stream", s.processTurnStream)
	return engine
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) processTurn(c *gin.Context) {
	msg, ok := s.bind(c)
	if !ok {
		return
	}
	result, err := s.rt.ProcessTurn(c.Request.Context(), msg, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.track(msg)
	c.JSON(http.StatusOK, result)
}

// processTurnStream delivers the response over SSE. The stream carries
// chunk events followed by one result event with the full turn outcome.
func (s *Server) processTurnStream(c *gin.Context) {
	msg, ok := s.bind(c)
	if !ok {
		return
	}
	stream, err := s.rt.ProcessTurnStream(c.Request.Context(), msg, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.track(msg)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		chunk, open := <-stream
		if !open {
			return false
		}
		if chunk.Err != nil {
			c.SSEvent("error", gin.H{"error": chunk.Err.Error()})
			return false
		}
		if chunk.Done {
			c.SSEvent("done", gin.H{})
			return false
		}
		c.SSEvent("chunk", gin.H{"content": chunk.Content})
		return true
	})
}

func (s *Server) bind(c *gin.Context) (models.InboundMessage, bool) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return models.InboundMessage{}, false
	}
	return models.InboundMessage{
		TenantID:      req.TenantID,
		AgentID:       req.AgentID,
		Channel:       req.Channel,
		ChannelUserID: req.ChannelUserID,
		SessionID:     req.SessionID,
		Content:       req.Content,
		Metadata:      req.Metadata,
	}, true
}

func (s *Server) track(msg models.InboundMessage) {
	if s.cleanup != nil {
		s.cleanup.Track(repo.Tenant{TenantID: msg.TenantID, AgentID: msg.AgentID})
	}
}
