// keyrelay hub - relays trigger requests to connected agents.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/keyrelay/internal/relay"
	"github.com/rs/zerolog"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := relay.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Initialize database
	var store relay.Store
	if cfg.HasDatabase() {
		db, err := relay.InitDatabase(cfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to initialize database")
		}
		defer func() { _ = db.Close() }()
		store = db
	} else {
		log.Warn().Msg("persistence disabled, counter resets on restart")
	}

	server, err := relay.New(cfg, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("hub stopped")
}
