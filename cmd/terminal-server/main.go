// terminal-server keeps persistent shell sessions in a sandbox and serves
// them over WebSocket, REST and MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/whit3rabbit/manus-open/internal/adapters/realclock"
	"github.com/whit3rabbit/manus-open/internal/adapters/realfs"
	"github.com/whit3rabbit/manus-open/internal/api"
	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/dispatch"
	"github.com/whit3rabbit/manus-open/internal/logging"
	"github.com/whit3rabbit/manus-open/internal/mcp"
	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/recording"
	"github.com/whit3rabbit/manus-open/internal/session"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		listen      string
		stdio       bool
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&listen, "listen", "", "Listen address (overrides config)")
	flag.BoolVar(&stdio, "stdio", false, "Also serve MCP on stdin/stdout")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("terminal-server version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if err := run(configPath, listen, stdio, debug); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath, listen string, stdio, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	overrides := func(c *config.Config) {
		if listen != "" {
			c.Server.Listen = listen
		}
		if debug {
			c.Logging.Level = "debug"
		}
	}
	overrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
	logger.Info("starting terminal-server",
		slog.String("version", Version),
		slog.String("listen", cfg.Server.Listen),
	)

	clock := realclock.New()
	fs := realfs.New()
	m := metrics.New()
	recorder := recording.NewManager(fs, clock, cfg.Recording.Path, cfg.Recording.Enabled, logger)
	hub := dispatch.NewHub(m, logger)

	reg, err := session.NewRegistry(cfg,
		session.WithClock(clock),
		session.WithSink(hub),
		session.WithMetrics(m),
		session.WithLogger(logger),
		session.WithRecorder(recorder),
	)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	ws := dispatch.NewServer(reg, hub, cfg.Server,
		dispatch.WithClock(clock),
		dispatch.WithMetrics(m),
		dispatch.WithLogger(logger),
	)
	tools := mcp.NewServer(reg, cfg.MCP,
		mcp.WithFileSystem(fs),
		mcp.WithClock(clock),
		mcp.WithLogger(logger),
	)

	routerOpts := []api.Option{
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithWebSocket(ws),
	}
	if cfg.MCP.Enabled {
		routerOpts = append(routerOpts, api.WithMCP(cfg.MCP.Path, tools.HTTPHandler()))
	}
	router := api.New(reg, cfg.Server, routerOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(newCfg *config.Config) {
			overrides(newCfg)
			logging.SetLevel(newCfg.Logging.Level)
			recorder.Configure(newCfg.Recording.Path, newCfg.Recording.Enabled)
			tools.UpdateConfig(newCfg.MCP)
			if err := reg.ApplyConfig(newCfg); err != nil {
				logger.Warn("config update rejected", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			logger.Info("config hot-reload enabled", slog.String("path", configPath))
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()
	if stdio {
		go func() {
			errCh <- tools.Run()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
	}

	return shutdown(cfg, logger, httpServer, ws, reg, recorder, runErr)
}

func shutdown(cfg *config.Config, logger *slog.Logger, httpServer *http.Server, ws *dispatch.Server,
	reg *session.Registry, recorder *recording.Manager, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	ws.Close()

	errs := []error{runErr}
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := reg.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if err := recorder.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("close recordings: %w", err))
	}

	logger.Info("terminal-server stopped")
	return errors.Join(errs...)
}
