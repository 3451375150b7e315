// Package health serves the standard gRPC health protocol. The overall
// service ("") follows the venue connection; each market is its own service
// name and follows that market's sync state.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/idexbook/internal/adapter"
	"github.com/caesar-terminal/idexbook/internal/config"
)

// Server wraps the gRPC server, its listener and the health registry.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	markets    []string
	feed       <-chan adapter.Event
}

// New binds the health server. A socket path takes precedence over the TCP
// address. Every market starts NOT_SERVING until its book is ready.
func New(cfg config.GRPCConfig, markets []string, feed <-chan adapter.Event) (*Server, error) {
	lis, err := listen(cfg)
	if err != nil {
		return nil, err
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, m := range markets {
		hs.SetServingStatus(m, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		socketPath: cfg.SocketPath,
		markets:    markets,
		feed:       feed,
	}, nil
}

func listen(cfg config.GRPCConfig) (net.Listener, error) {
	if cfg.SocketPath == "" {
		lis, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("health: listen on %s: %w", cfg.Addr, err)
		}
		return lis, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("health: create socket directory: %w", err)
	}
	// Remove any stale socket file from a previous run.
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("health: remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("health: listen on unix socket %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("health: chmod socket: %w", err)
	}
	return lis, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections and tracks the event feed until ctx is
// cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info().Str("addr", s.listener.Addr().String()).Msg("health: serving")
	if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}

// GracefulStop marks everything NOT_SERVING, drains in-flight RPCs and
// removes the socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
}

func (s *Server) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.feed:
			if !ok {
				return
			}
			s.apply(ev)
		}
	}
}

func (s *Server) apply(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventReady:
		s.health.SetServingStatus(ev.Market, healthpb.HealthCheckResponse_SERVING)
	case adapter.EventConnected:
		s.health.SetServingStatus(ev.Market, healthpb.HealthCheckResponse_SERVING)
	case adapter.EventDisconnected:
		if ev.Market != "" {
			s.health.SetServingStatus(ev.Market, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		// A transport drop takes down the process and every market with it.
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		for _, m := range s.markets {
			s.health.SetServingStatus(m, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}
