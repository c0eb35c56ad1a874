package stream

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server hosts the result service on its own listener.
type Server struct {
	grpc    *grpc.Server
	service *Service
	logger  *zap.Logger
}

func NewServer(service *Service, logger *zap.Logger) *Server {
	g := grpc.NewServer()
	service.Register(g)
	return &Server{grpc: g, service: service, logger: logger}
}

// Start listens on port and serves in the background.
func (s *Server) Start(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	go func() {
		s.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", ServiceName))
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes open streams and stops the server, forcing it when ctx
// expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.service.Close()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}
