package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	"github.com/joshuapare/cbtkit/internal/logger"
)

// Server serves the control service.
type Server struct {
	rpc *grpc.Server
	log *slog.Logger
}

// Option configures a Server.
type Option func(*service)

// WithDefaultDegree sets the tracking block degree used by requests that
// do not name one.
func WithDefaultDegree(degree uint) Option {
	return func(s *service) { s.degree = degree }
}

// NewServer returns a server exposing b.
func NewServer(b Backend, opts ...Option) *Server {
	svc := &service{b: b}
	for _, o := range opts {
		o(svc)
	}
	s := &Server{log: logger.For("control")}
	s.rpc = grpc.NewServer(grpc.UnaryInterceptor(s.intercept))
	s.rpc.RegisterService(&serviceDesc, svc)
	return s
}

// intercept logs each call and turns service errors into statuses.
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("request failed", "method", info.FullMethod, "error", err, "errno", int(Errno(err)))
		return nil, toStatus(err)
	}
	s.log.Debug("request completed", "method", info.FullMethod, "took", time.Since(start))
	return resp, nil
}

// Listen opens the unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("control: socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("control: socket permissions: %w", err)
	}
	return l, nil
}

// Serve accepts calls on l until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.rpc.Serve(l)
	}()
	s.log.Info("control server listening", "address", l.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("control server stopping")
		s.rpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("control: serve: %w", err)
		}
		return nil
	}
}

// Stop closes every connection immediately.
func (s *Server) Stop() { s.rpc.Stop() }
