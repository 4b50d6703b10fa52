package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server serving ControlService with graceful
// shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a server for control. With no opts the standard
// ServerOptions are used.
func NewGracefulServer(control ControlService, logger Logger, address string, opts ...grpc.ServerOption) *GracefulServer {
	if logger == nil {
		logger = nopLogger{}
	}
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterControlService(grpcServer, control)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     logger,
		address:    address,
	}
}

// Start listens on the configured address and blocks until ctx is
// cancelled, then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled or the server fails.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.shutdownMu.Lock()
	s.listener = lis
	s.shutdownMu.Unlock()

	s.logger.Info("grpc_graceful_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop stops accepting connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop if that
// takes longer than timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the bound address once serving, else the configured one.
func (s *GracefulServer) Address() string {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// =============================================================================
// Client connection
// =============================================================================

// Dial opens a plaintext, traced client connection to a control service.
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}
