package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/aescanero/taskstream/internal/application/health"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported to gRPC health checks besides the
// empty overall service
const ServiceName = "taskstream.EventStream"

// Server represents the gRPC API server
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *grpchealth.Server
	logger   *zap.Logger
}

// Config holds gRPC server configuration
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// Monitor drives the serving status. Nil reports SERVING.
	Monitor *health.Monitor

	Logger *zap.Logger
}

// NewServer creates a new gRPC server exposing the standard health service
func NewServer(cfg *Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		logger:   logger,
	}

	s.setServing(true)
	if cfg.Monitor != nil {
		cfg.Monitor.OnCheck(func(status *health.Status) {
			s.setServing(status.Healthy)
		})
	}

	return s, nil
}

func (s *Server) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Addr returns the address the server listens on
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}
