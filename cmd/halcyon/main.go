// Halcyon - autonomous spot trading engine
//
// One process owns the whole loop: market data in, strategy decisions
// through the risk gate, orders out, every transition journaled to a
// single SQLite file. Paper and live modes share the entire pipeline
// above the exchange adapter.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halcyonfund/halcyon/bot"
	"github.com/halcyonfund/halcyon/core"
	"github.com/halcyonfund/halcyon/internal/config"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./halcyon.yaml)")
	flag.Parse()

	// Load environment first so HALCYON_* overrides reach viper.
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)
	log.Info().Str("version", version).Str("mode", cfg.Mode).Msg("🦅 Halcyon starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}

	engine, err := core.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}

	// Operator bot is optional; nil when disabled.
	tg, err := bot.New(cfg.Telegram, engine.Tracker(), engine.Portfolio(),
		engine.Market(), engine.Stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start Telegram bot")
	}
	if tg != nil {
		engine.Bus().Subscribe(tg.Notify)
		tg.Start()
		defer tg.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Engine failed")
	}
}

func setupLogging(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
