// Package api serves the backtest service over gRPC. Messages are
// google.protobuf.Struct values carrying the JSON form of the domain types.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
)

// Server hosts the gRPC listener.
type Server struct {
	addr   string
	grpc   *grpc.Server
	logger *slog.Logger
}

// NewServer creates a Server listening on addr and serving svc.
func NewServer(addr string, svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	svc.RegisterGRPC(gs)
	return &Server{addr: addr, grpc: gs, logger: logger}
}

// ListenAndServe serves until ctx is cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.logger.Info("grpc server shutting down")
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
