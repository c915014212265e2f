package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"lockstep/server/internal/app"
	"lockstep/server/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to a YAML, TOML or JSON config file")
	config.RegisterFlags(flags)
	flags.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, keeping info")
	}
	logger := log.Logger
	if cfg.Log.Format == "json" {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server exited gracefully")
}
