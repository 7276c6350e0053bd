// Package app assembles the session server: logging router, metrics,
// coordinator, websocket handler and HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"arena/server/internal/config"
	"arena/server/internal/coordinator"
	servernet "arena/server/internal/net"
	"arena/server/internal/net/ws"
	"arena/server/internal/observability"
	"arena/server/internal/telemetry"
	"arena/server/logging"
	loggingSinks "arena/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Settings config.Config
	Logger   zerolog.Logger
	// Listener replaces Settings.Addr when set.
	Listener net.Listener
	// Stdout receives the console sink. Defaults to os.Stdout.
	Stdout io.Writer
	// Ready is called with the bound address once the server accepts traffic.
	Ready func(addr string)
}

// Run serves until ctx is cancelled, then drains the HTTP server and stops
// the coordinator.
func Run(ctx context.Context, cfg Config) error {
	settings := cfg.Settings
	logger := cfg.Logger
	telemetryLogger := telemetry.WrapLogger(&logger)

	router, closeSinks, err := newEventRouter(settings, cfg.Stdout)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	coord := coordinator.New(settings.Coordinator(), coordinator.Deps{
		Publisher: router,
		Logger:    telemetryLogger,
		Metrics:   metrics,
		Observer:  metrics,
	})
	coordCtx, stopCoordinator := context.WithCancel(context.Background())
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(coordCtx) }()
	defer func() {
		stopCoordinator()
		<-coordDone
	}()

	wsHandler := ws.NewHandler(coord, ws.HandlerConfig{
		Logger:       telemetryLogger,
		Publisher:    router,
		Metrics:      metrics,
		OutboxSize:   settings.OutboxSize,
		WriteTimeout: settings.WriteTimeout,
	})

	handler := servernet.NewHTTPHandler(coord, wsHandler.Handle, servernet.HTTPHandlerConfig{
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
		Observability: observability.Config{
			EnableMetrics: settings.EnableMetrics,
			EnablePprof:   settings.EnablePprof,
		},
		ServerID: settings.ServerID,
		Events:   router,
	})

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", settings.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", settings.Addr, err)
		}
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	addr := listener.Addr().String()
	logger.Info().Str("addr", addr).Str("server_id", settings.ServerID).Msg("server listening")
	if cfg.Ready != nil {
		cfg.Ready(addr)
	}

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the coordinator closes them.
	stopCoordinator()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newEventRouter(settings config.Config, stdout io.Writer) (*logging.Router, func(), error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	logConfig := logging.DefaultConfig()
	logConfig.EnabledSinks = settings.LogSinks
	logConfig.Console.UseColor = settings.LogColor
	logConfig.JSON.FilePath = settings.LogJSONPath
	logConfig.Fields = map[string]any{"server_id": settings.ServerID}
	if severity, ok := logging.ParseSeverity(settings.LogLevel); ok {
		logConfig.MinimumSeverity = severity
	}

	var (
		named   []logging.NamedSink
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	for _, name := range logConfig.EnabledSinks {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsoleSink(stdout, logConfig.Console)})
		case "json":
			var out io.Writer = stdout
			if path := logConfig.JSON.FilePath; path != "" {
				file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					closeAll()
					return nil, nil, fmt.Errorf("open json log %s: %w", path, err)
				}
				closers = append(closers, file)
				out = file
			}
			named = append(named, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(out, logConfig.JSON.FlushInterval)})
		case "memory":
			named = append(named, logging.NamedSink{Name: name, Sink: loggingSinks.NewMemorySink()})
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown log sink %q", name)
		}
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, named)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return router, closeAll, nil
}
