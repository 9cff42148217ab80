// Package admin serves gRPC health checks and, optionally, server reflection
// on a listener separate from the HTTP front-end.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/gezibash/luahttp/internal/observability"
)

type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
}

// New binds addr and registers the health service, reporting NOT_SERVING
// until SetServing is called.
func New(ctx context.Context, addr string, obs *observability.Observability, enableReflection bool, opts ...grpc.ServerOption) (*Server, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(opts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if obs != nil && obs.ServiceName != "" {
		hs.SetServingStatus(obs.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	if enableReflection {
		reflection.Register(grpcServer)
	}

	s := &Server{grpcServer: grpcServer, listener: lis, health: hs}
	if obs != nil && obs.Shutdown != nil {
		obs.Shutdown.Register("admin-server", func(ctx context.Context) error {
			s.Stop(ctx)
			return nil
		})
	}
	return s, nil
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (s *Server) SetServing(serving bool) {
	if serving {
		s.health.Resume()
	} else {
		s.health.Shutdown()
	}
}

func (s *Server) Serve() error {
	slog.Info("admin server listening", "addr", s.Addr())
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop reports NOT_SERVING, then stops gracefully, forcing if ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("admin graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-done
	}
}
