// Package server is the HTTP front-end that hands every request to the
// embedded script.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gezibash/luahttp/internal/middleware"
)

// Config holds listener and transport settings.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// New binds cfg.Addr and prepares an HTTP server that routes every request
// through h. The listener is open when New returns; call Serve to accept.
func New(ctx context.Context, cfg Config, h *Handler) (*Server, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler: middleware.Chain(h,
			middleware.Instrument(h.metrics),
			middleware.Recover(h.logger, h.metrics),
		),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ConnContext:       connFactory(h.dispatcher),
		ConnState:         trackConns(h.metrics),
		ErrorLog:          slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
	}

	return &Server{httpServer: srv, listener: lis}, nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	slog.Info("http server listening", "addr", s.Addr())
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// closing everything forcibly if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("graceful http shutdown timed out, forcing")
		_ = s.httpServer.Close()
		return err
	}
	return nil
}
