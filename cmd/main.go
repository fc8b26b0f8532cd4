package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"live-transcript-relay/internal/app"
	"live-transcript-relay/internal/config"
	"live-transcript-relay/internal/observability/logging"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}

	if err := application.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Transcript relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Transcript relay stopped")
}
