package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/kontalk/konk/internal/api"
	"github.com/kontalk/konk/internal/profile"
)

// Server serves the control API on the profile socket.
type Server struct {
	grpc   *grpc.Server
	ln     net.Listener
	path   string
	logger *zap.Logger
}

// NewServer listens on the profile socket, or on p.SocketPath when set.
// A socket left over from a crashed daemon is replaced; the profile lock
// guarantees nobody else is serving it.
func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	path := p.SocketPath
	if path == "" {
		path = profile.SocketPath(p.Profile)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket: %w", err)
	}

	g := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls(logger)))
	api.Register(g, svc)
	return &Server{grpc: g, ln: ln, path: path, logger: logger.Named("server")}, nil
}

// logCalls records failed calls at debug level.
func logCalls(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("control API listening", zap.String("socket", s.path))
	return s.grpc.Serve(s.ln)
}

// Stop drains in-flight calls and removes the socket. Event streams
// never finish on their own, so they are cut when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control API stopping")
	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	_ = os.Remove(s.path)
}
