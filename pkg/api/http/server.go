package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/streambroker/internal/application/workers"
	storage "github.com/aescanero/streambroker/pkg/adapters/storage/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Publisher appends a JSON payload to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, data json.RawMessage) (string, error)
}

// Caller makes an RPC call with a JSON payload
type Caller interface {
	CallTimeout(ctx context.Context, topic string, data json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Sender relays a JSON payload to the gateway connection of a shard
type Sender interface {
	Send(ctx context.Context, shardID int, payload json.RawMessage) (string, error)
}

// ShardLister lists claimed shards
type ShardLister interface {
	List(ctx context.Context) ([]storage.ShardOwner, error)
}

// PoolStatus reports worker pool health
type PoolStatus interface {
	GetStatus() *workers.HealthStatus
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    Config
	logger *zap.Logger
}

// Config holds HTTP server configuration. Nil collaborators disable the
// routes that need them.
type Config struct {
	Port        int
	Publisher   Publisher
	Caller      Caller
	Sender      Sender
	Shards      ShardLister
	Workers     PoolStatus
	Checks      map[string]HealthCheck
	Gatherer    prometheus.Gatherer
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		cfg:    *cfg,
		logger: cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	if s.cfg.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	} else {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/topics/:topic", s.handlePublish)
		v1.POST("/rpc/:topic", s.handleCall)

		v1.GET("/shards", s.handleListShards)
		v1.POST("/shards/:id/send", s.handleSend)

		v1.GET("/workers", s.handleWorkers)
	}
}

// SetupWebSocket adds the shard WebSocket handler to the server
func (s *Server) SetupWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/shards/:id/ws", handler)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
