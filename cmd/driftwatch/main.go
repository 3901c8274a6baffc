package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/driftwatch/cmd/driftwatch/commands"
	"github.com/openfroyo/driftwatch/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
	}
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps an error class to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsValidation(err), engine.IsCatalogError(err):
		return 2
	case engine.IsSecurityRejection(err):
		return 3
	case engine.IsTransportUnavailable(err):
		return 4
	case engine.IsConflict(err):
		return 5
	default:
		return 1
	}
}

// setupLogging configures the global logger used before the config is loaded.
func setupLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}
