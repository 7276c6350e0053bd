package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"arena/server/internal/app"
	"arena/server/internal/config"
	"arena/server/internal/observability"
	"arena/server/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"), "path to a TOML config file")
	flag.Parse()

	logger := observability.InitLogger("arena", zerolog.InfoLevel, os.Stdout)

	settings, err := config.Load(*configPath, os.Getenv, telemetry.WrapLogger(&logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(settings.LogLevel); err == nil {
		logger = logger.Level(level)
	} else {
		logger.Warn().Str("level", settings.LogLevel).Msg("invalid log level, keeping info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Settings: settings, Logger: logger}); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
