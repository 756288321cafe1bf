// Package main provides the gateway server entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/kirimkan/gateway/internal/config"
	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway"
	"github.com/kirimkan/gateway/internal/protocol/loopback"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.kirimkan)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if *dataDir != "" {
		os.Setenv("KIRIMKAN_DATA_DIR", *dataDir)
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	dbLogLevel := logger.Silent
	if *debug {
		dbLogLevel = logger.Warn
	}
	store, err := db.NewStore(db.Config{
		Path:     config.DBPath(),
		MaxConns: cfg.MaxConns,
		LogLevel: dbLogLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()

	log.Info().
		Str("version", Version).
		Str("dataDir", filepath.Clean(config.DataDir())).
		Msg("Starting gateway")

	svc := gateway.New(Version, cfg, store, loopback.New())
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Gateway exited with error")
	}

	log.Info().Msg("Gateway stopped")
}
