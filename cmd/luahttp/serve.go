package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/luahttp/internal/accesslog"
	_ "github.com/gezibash/luahttp/internal/accesslog/memory"
	_ "github.com/gezibash/luahttp/internal/accesslog/redis"
	_ "github.com/gezibash/luahttp/internal/accesslog/sqlite"
	"github.com/gezibash/luahttp/internal/admin"
	"github.com/gezibash/luahttp/internal/config"
	"github.com/gezibash/luahttp/internal/observability"
	"github.com/gezibash/luahttp/internal/script"
	"github.com/gezibash/luahttp/internal/server"
)

func runServe(cmd *cobra.Command, v *viper.Viper, scriptPath string) (err error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if cerr := obs.Close(shutdownCtx); cerr != nil {
			slog.Error("shutdown error", "error", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	if cfg.Observability.MetricsAddr != "" {
		if _, err := obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			return err
		}
	}

	pool, err := startScript(ctx, scriptPath, cfg.Script, obs)
	if err != nil {
		return err
	}

	sink, err := openAccessLog(ctx, cfg.AccessLog, obs)
	if err != nil {
		return err
	}

	handler := server.NewHandler(pool, server.HandlerConfig{
		Timeout:   cfg.Script.RequestTimeout,
		Metrics:   obs.Metrics,
		AccessLog: sink,
		Logger:    obs.Logger,
	})
	srv, err := server.New(ctx, server.Config{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}, handler)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}
	obs.Shutdown.Register("http-server", srv.Shutdown)

	var adm *admin.Server
	if cfg.Admin.Addr != "" {
		adm, err = admin.New(ctx, cfg.Admin.Addr, obs, cfg.Admin.EnableReflection)
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		go func() {
			if err := adm.Serve(); err != nil {
				slog.Error("admin server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	if adm != nil {
		adm.SetServing(true)
	}

	slog.Info("serving", "addr", srv.Addr(), "script", scriptPath, "workers", pool.Size())

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}
	if adm != nil {
		adm.SetServing(false)
	}
	return err
}

// startScript loads the script into every shard. A missing entry point is
// not fatal: the server starts and every request fails.
func startScript(ctx context.Context, path string, cfg config.ScriptConfig, obs *observability.Observability) (pool *script.Pool, err error) {
	op, ctx := observability.StartOperation(ctx, obs.Metrics, "script.load")
	defer func() { op.End(err) }()

	src, err := script.LoadSource(path)
	if err != nil {
		return nil, err
	}

	pool, err = script.NewPool(src, script.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Options: script.Options{
			EntryPoint: cfg.EntryPoint,
			Sandbox:    cfg.Sandbox,
		},
		Metrics: obs.Metrics,
	})
	if err != nil {
		return nil, err
	}
	obs.Shutdown.Register("script-pool", pool.Stop)

	var entryPoint string
	missing := false
	if err := pool.Inspect(ctx, func(rt *script.Runtime) error {
		entryPoint = rt.EntryPoint()
		missing = missing || !rt.HasEntryPoint()
		return nil
	}); err != nil {
		return nil, err
	}
	if missing {
		slog.WarnContext(ctx, "script does not define the entry point; every request will fail",
			"script", path, "entry_point", entryPoint)
	}
	return pool, nil
}

// openAccessLog creates the configured sink, or returns nil when access
// logging is disabled. The filter is compiled first so a typo fails fast.
func openAccessLog(ctx context.Context, cfg config.AccessLogConfig, obs *observability.Observability) (accesslog.Sink, error) {
	var filter *accesslog.Filter
	if cfg.Filter != "" {
		f, err := accesslog.CompileFilter(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("access log filter: %w", err)
		}
		filter = f
	}

	sink, err := accesslog.New(ctx, cfg.Backend, cfg.Config, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init access log: %w", err)
	}
	if sink == nil {
		return nil, nil
	}
	obs.Shutdown.Register("access-log", func(context.Context) error {
		return sink.Close()
	})

	if filter != nil {
		slog.InfoContext(ctx, "access log filter enabled", "filter", filter.String())
		return accesslog.Filtered(sink, filter), nil
	}
	return sink, nil
}
