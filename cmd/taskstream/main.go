package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/taskstream/internal/application/health"
	"github.com/aescanero/taskstream/internal/application/injector"
	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/supervisor"
	"github.com/aescanero/taskstream/internal/application/workers"
	"github.com/aescanero/taskstream/internal/config"
	"github.com/aescanero/taskstream/pkg/adapters/eventlog/memory"
	"github.com/aescanero/taskstream/pkg/adapters/eventlog/pebble"
	eventlogredis "github.com/aescanero/taskstream/pkg/adapters/eventlog/redis"
	"github.com/aescanero/taskstream/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/taskstream/pkg/api/grpc"
	"github.com/aescanero/taskstream/pkg/api/http"
	"github.com/aescanero/taskstream/pkg/api/websocket"
	"github.com/aescanero/taskstream/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting task stream service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("backend", cfg.Backend))

	ctx := context.Background()

	eventLog, closeLog, err := openEventLog(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)

	// Initialize application components
	queueManager := queue.NewManager(eventLog, queue.Options{
		Prefix:       cfg.Stream.Prefix,
		MaxLen:       cfg.Stream.MaxLen,
		BlockTimeout: cfg.Stream.ReadBlock,
		Logger:       logger,
		Metrics:      metricsCollector,
	})

	streamInjector := injector.New(eventLog, injector.Options{
		Prefix:  cfg.Stream.Prefix,
		MaxLen:  cfg.Stream.MaxLen,
		Logger:  logger,
		Metrics: metricsCollector,
	})

	workerPool := workers.NewPool(cfg.Workers.PoolSize, logger)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	taskSupervisor := supervisor.New(
		queueManager,
		workerPool,
		metricsCollector,
		logger,
		cfg.Timeouts.TaskExecutionTimeout,
	)

	healthMonitor := health.NewMonitor(
		eventLog,
		queueManager,
		workerPool,
		metricsCollector,
		cfg.Workers.HealthCheckInterval,
		logger,
	)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Manager:    queueManager,
		Injector:   streamInjector,
		Supervisor: taskSupervisor,
		Health:     healthMonitor,
		EchoDelay:  cfg.Workers.EchoDelay,
		Logger:     logger,

		AppendRateLimit: cfg.AppendRateLimit,
		AppendRateBurst: cfg.AppendRateBurst,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(queueManager, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:    cfg.GRPCPort,
		Monitor: healthMonitor,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	healthMonitor.Start()

	// Wait for interrupt signal
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	// Start servers
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)

	logger.Info("task stream service started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		// Producers first so their streams get sealed while the log is still open
		if err := taskSupervisor.Shutdown(shutdownCtx); err != nil {
			logger.Error("supervisor shutdown error", zap.Error(err))
		}

		if err := workerPool.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown error", zap.Error(err))
		}

		// Ends SSE and WebSocket followers so none is reading when the log closes
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}

		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("gRPC server shutdown error", zap.Error(err))
		}

		healthMonitor.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
	}

	if err := closeLog(); err != nil {
		logger.Error("event log close error", zap.Error(err))
	}

	logger.Info("task stream service shut down complete")
}

// openEventLog builds the configured event log and the function releasing it
func openEventLog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.EventLog, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory event log, streams are lost on restart")
		return memory.NewInMemoryEventLog(), func() error { return nil }, nil

	case config.BackendPebble:
		log, err := pebble.Open(pebble.Options{
			DataDir: cfg.Pebble.Dir,
			Sync:    cfg.Pebble.Sync,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened pebble event log", zap.String("dir", cfg.Pebble.Dir))
		return log, log.Close, nil

	default:
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			MinIdleConns:    cfg.Redis.MinIdleConns,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff,
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
			DialTimeout:     cfg.Redis.DialTimeout,
			ReadTimeout:     cfg.Redis.ReadTimeout,
			WriteTimeout:    cfg.Redis.WriteTimeout,
		})

		// Test Redis connection
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		log := eventlogredis.NewStreamsEventLog(redisClient, eventlogredis.Options{
			Retention: cfg.Stream.TTL,
			Retry: eventlogredis.RetryPolicy{
				MaxAttempts:     cfg.Retry.MaxAttempts,
				InitialInterval: cfg.Retry.InitialInterval,
				MaxInterval:     cfg.Retry.MaxInterval,
			},
		}, logger)
		return log, redisClient.Close, nil
	}
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
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

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
