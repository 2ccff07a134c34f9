// autotag-lambda runs one tagging pass per scheduled invocation.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/autotag/internal/app"
	"github.com/yairfalse/autotag/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.Log.Level).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize autotag")
	}

	lambda.Start(newHandler(a, cfg.Engine.Timeout).Handle)
}
