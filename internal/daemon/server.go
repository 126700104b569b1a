package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/mktinbox/internal/api"
	"github.com/matheus3301/mktinbox/internal/profile"
)

// Server is the local API endpoint: InboxService on the profile's unix socket.
type Server struct {
	grpc   *grpc.Server
	ln     net.Listener
	socket string
	logger *zap.Logger
}

func NewServer(p Params, logger *zap.Logger, svc *api.InboxService) (*Server, error) {
	socket := p.SocketPath
	if socket == "" {
		socket = profile.SocketPath(p.Profile)
	}
	// Anything left at the path is stale: we hold the profile lock.
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{ln: ln, socket: socket, logger: logger}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.ChainStreamInterceptor(s.logStream),
	)
	api.RegisterInboxServer(s.grpc, svc)
	return s, nil
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	s.logger.Info("api listening", zap.String("socket", s.socket))
	if err := s.grpc.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls and removes the socket. Watch streams never
// finish on their own, so they are cut once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("api drain timed out, closing streams")
		s.grpc.Stop()
	}
	_ = os.Remove(s.socket)
	s.logger.Info("api stopped")
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("api call",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", grpcstatus.Code(err)),
		zap.Duration("took", time.Since(start)))
	return resp, err
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.logger.Debug("api stream opened", zap.String("method", info.FullMethod))
	err := handler(srv, ss)
	s.logger.Debug("api stream closed",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", grpcstatus.Code(err)))
	return err
}
