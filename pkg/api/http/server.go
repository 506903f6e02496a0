package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/taskstream/internal/application/health"
	"github.com/aescanero/taskstream/internal/application/injector"
	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	server     *http.Server
	manager    *queue.Manager
	injector   *injector.Injector
	supervisor *supervisor.Supervisor
	health     *health.Monitor
	limiter    *appendLimiter
	echoDelay  time.Duration
	logger     *zap.Logger

	// streams ends SSE and WebSocket followers on shutdown
	streams     context.Context
	stopStreams context.CancelFunc
	followMu    sync.Mutex
	closing     bool
	followers   sync.WaitGroup
}

// Config holds HTTP server configuration
type Config struct {
	Port       int
	Manager    *queue.Manager
	Injector   *injector.Injector
	Supervisor *supervisor.Supervisor
	Health     *health.Monitor

	// MetricsHandler serves /metrics. Nil uses the default Prometheus handler.
	MetricsHandler http.Handler

	// EchoDelay is the pause between words of the built-in echo producer
	EchoDelay time.Duration

	// AppendRateLimit caps event writes per task per second. Zero disables it.
	AppendRateLimit float64
	AppendRateBurst int

	Logger *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:     router,
		manager:    cfg.Manager,
		injector:   cfg.Injector,
		supervisor: cfg.Supervisor,
		health:     cfg.Health,
		echoDelay:  cfg.EchoDelay,
		logger:     logger,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	if cfg.AppendRateLimit > 0 {
		s.limiter = newAppendLimiter(cfg.AppendRateLimit, cfg.AppendRateBurst)
	}

	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	s.setupRoutes(metrics)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(metrics http.Handler) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(metrics))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Producer endpoints
		v1.GET("/tasks", s.handleListTasks)
		v1.POST("/tasks", s.handleSubmitTask)
		v1.POST("/tasks/:id/cancel", s.handleCancelTask)
		v1.POST("/tasks/:id/events", s.limitAppends(), s.handleAppendEvent)
		v1.POST("/tasks/:id/status", s.limitAppends(), s.handleUpdateStatus)
		v1.POST("/tasks/:id/close", s.handleCloseTask)
		v1.DELETE("/tasks/:id", s.handleDeleteTask)

		// Consumer endpoints
		v1.GET("/tasks/:id/events", s.handleListEvents)
		v1.GET("/tasks/:id/latest", s.handleLatestEvent)
		v1.GET("/tasks/:id/stream", s.trackFollower(), s.handleStream)
	}
}

// limitAppends returns the per-task write limiter, or a pass-through when disabled
func (s *Server) limitAppends() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.middleware()
}

// trackFollower ties a streaming request to the server's lifetime so
// CloseStreams can end it and wait for it to return
func (s *Server) trackFollower() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.followMu.Lock()
		if s.closing {
			s.followMu.Unlock()
			writeError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
			c.Abort()
			return
		}
		s.followers.Add(1)
		s.followMu.Unlock()
		defer s.followers.Done()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		stop := context.AfterFunc(s.streams, cancel)
		defer stop()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CloseStreams cancels every open follower and waits for them to return,
// or for ctx to expire
func (s *Server) CloseStreams(ctx context.Context) error {
	s.followMu.Lock()
	s.closing = true
	s.followMu.Unlock()
	s.stopStreams()

	done := make(chan struct{})
	go func() {
		s.followers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("followers still open: %w", ctx.Err())
	}
}

// SetupWebSocket adds WebSocket handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleTaskStream(*gin.Context)
}) {
	s.router.GET("/api/v1/tasks/:id/ws", s.trackFollower(), handler.HandleTaskStream)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
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

	if err := s.CloseStreams(ctx); err != nil {
		s.logger.Warn("stream followers did not finish", zap.Error(err))
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
